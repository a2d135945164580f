package registry

import (
	"strings"
	"testing"

	"chainflow/config"
)

func validCatalog() *config.TransformCatalog {
	return &config.TransformCatalog{Transforms: []config.TransformSpec{
		{Pipeline: "chainflow", Name: "enriched-trades", Kind: KindEnrich, Source: SourceTrades, KeyBy: KeyByToken, Output: "enriched_trades", Encoding: "json"},
		{Pipeline: "chainflow", Name: "token-candles", Kind: KindCandle, Source: SourceTrades, KeyBy: KeyByToken, Timeframes: []string{"1m", "1h"}, Output: "candles", Encoding: "json"},
		{Pipeline: "chainflow", Name: "token-rolling", Kind: KindRolling, Source: SourceTrades, KeyBy: KeyByToken, Windows: []string{"5m", "24h"}, Output: "rolling_metrics", Encoding: "json"},
		{Pipeline: "chainflow", Name: "trader-positions", Kind: KindPosition, Source: SourceAll, KeyBy: KeyByTraderToken, Output: "position_overviews", Encoding: "json"},
	}}
}

func TestNewValidCatalog(t *testing.T) {
	r, err := New(validCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Len() != 4 {
		t.Errorf("Len = %d, want 4", r.Len())
	}
	if r.Pipeline() != "chainflow" {
		t.Errorf("Pipeline = %q", r.Pipeline())
	}
	spec, ok := r.Lookup("token-candles")
	if !ok || spec.Output != "candles" {
		t.Errorf("Lookup token-candles = %+v, %v", spec, ok)
	}
	if got := len(r.ByKind(KindCandle)); got != 1 {
		t.Errorf("ByKind(candle) = %d entries, want 1", got)
	}
}

func TestTimeframeAndWindowUnions(t *testing.T) {
	r, err := New(validCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tfs := r.Timeframes()
	if len(tfs) != 2 || tfs[0] != "1m" || tfs[1] != "1h" {
		t.Errorf("Timeframes = %v", tfs)
	}
	ws := r.RollingWindows()
	if len(ws) != 2 || ws[0] != "5m" || ws[1] != "24h" {
		t.Errorf("RollingWindows = %v", ws)
	}
}

func TestDefaultsToAllTimeframes(t *testing.T) {
	cat := validCatalog()
	cat.Transforms[1].Timeframes = nil
	r, err := New(cat)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.Timeframes()) < 10 {
		t.Errorf("expected full timeframe set, got %v", r.Timeframes())
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.TransformCatalog)
		want   string
	}{
		{"empty catalog", func(c *config.TransformCatalog) { c.Transforms = nil }, "empty"},
		{"missing name", func(c *config.TransformCatalog) { c.Transforms[0].Name = "" }, "name is required"},
		{"duplicate name", func(c *config.TransformCatalog) { c.Transforms[1].Name = c.Transforms[0].Name }, "duplicate name"},
		{"unknown kind", func(c *config.TransformCatalog) { c.Transforms[0].Kind = "sessionize" }, "unknown kind"},
		{"unknown source", func(c *config.TransformCatalog) { c.Transforms[0].Source = "logs" }, "unknown source"},
		{"unknown key_by", func(c *config.TransformCatalog) { c.Transforms[0].KeyBy = "wallet" }, "unknown key_by"},
		{"missing output", func(c *config.TransformCatalog) { c.Transforms[0].Output = "" }, "output is required"},
		{"bad timeframe", func(c *config.TransformCatalog) { c.Transforms[1].Timeframes = []string{"7m"} }, "unknown timeframe"},
		{"bad window", func(c *config.TransformCatalog) { c.Transforms[2].Windows = []string{"2h"} }, "unknown rolling window"},
		{"candle on transfers", func(c *config.TransformCatalog) { c.Transforms[1].Source = SourceTransfers }, "consume trades"},
		{"position keyed by token", func(c *config.TransformCatalog) { c.Transforms[3].KeyBy = KeyByToken }, "trader_token"},
		{"timeframes on enrich", func(c *config.TransformCatalog) { c.Transforms[0].Timeframes = []string{"1m"} }, "only apply to candle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cat := validCatalog()
			tc.mutate(cat)
			_, err := New(cat)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}
