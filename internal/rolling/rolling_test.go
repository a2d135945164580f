package rolling

import (
	"math"
	"testing"

	"chainflow/models"
)

func trade(token string, price, qty float64, side string, ts int64) *models.TradeEvent {
	return &models.TradeEvent{
		ID: "t", Token: token, Trader: "w", Side: side,
		BaseAmount: qty, QuoteAmount: qty * price, Price: price, Timestamp: ts,
	}
}

func newTestTracker(t *testing.T, names []string) *Tracker {
	t.Helper()
	tr, err := NewTracker(names)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tr
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("6h")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Millis != 21_600_000 {
		t.Errorf("6h = %d ms", w.Millis)
	}
	if _, err := ParseWindow("2h"); err == nil {
		t.Error("expected error for unknown window")
	}
}

func TestSnapshotAggregates(t *testing.T) {
	tr := newTestTracker(t, []string{"5m"})
	base := int64(1_700_000_000_000)
	tr.Observe(trade("mint", 1.0, 10, models.SideBuy, base))
	tr.Observe(trade("mint", 1.5, 5, models.SideSell, base+60_000))
	tr.Observe(trade("mint", 2.0, 5, models.SideBuy, base+120_000))

	out := tr.Snapshot("mint", base+120_000)
	if len(out) != 1 {
		t.Fatalf("got %d summaries", len(out))
	}
	m := out[0]
	if m.TradeCount != 3 || m.BuyCount != 2 || m.SellCount != 1 {
		t.Errorf("counts = %d/%d/%d", m.TradeCount, m.BuyCount, m.SellCount)
	}
	if m.Volume != 20 {
		t.Errorf("volume = %v, want 20", m.Volume)
	}
	if math.Abs(m.PriceChangePct-100) > 1e-9 {
		t.Errorf("price change = %v%%, want 100%%", m.PriceChangePct)
	}
	if m.Version != base+120_000 {
		t.Errorf("version = %d", m.Version)
	}
}

func TestWindowCutoffExcludesOldTrades(t *testing.T) {
	tr := newTestTracker(t, []string{"5m", "1h"})
	base := int64(1_700_000_000_000)
	tr.Observe(trade("mint", 1.0, 10, models.SideBuy, base))
	tr.Observe(trade("mint", 2.0, 10, models.SideBuy, base+30*60_000))

	out := tr.Snapshot("mint", base+30*60_000)
	if len(out) != 2 {
		t.Fatalf("got %d summaries", len(out))
	}
	for _, m := range out {
		switch m.Window {
		case "5m":
			if m.TradeCount != 1 {
				t.Errorf("5m count = %d, want 1", m.TradeCount)
			}
		case "1h":
			if m.TradeCount != 2 {
				t.Errorf("1h count = %d, want 2", m.TradeCount)
			}
		}
	}
}

func TestPruneBeyondWidestWindow(t *testing.T) {
	tr := newTestTracker(t, []string{"5m"})
	base := int64(1_700_000_000_000)
	tr.Observe(trade("mint", 1.0, 1, models.SideBuy, base))
	// Next trade arrives past the widest window; the old sample is gone.
	tr.Observe(trade("mint", 2.0, 1, models.SideBuy, base+600_000))

	out := tr.Snapshot("mint", base+600_000)
	if out[0].TradeCount != 1 {
		t.Errorf("count = %d, want 1 after prune", out[0].TradeCount)
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	tr := newTestTracker(t, []string{"5m", "24h"})
	base := int64(1_700_000_000_000)
	tr.Observe(trade("mint", 1.0, 10, models.SideBuy, base))
	tr.Observe(trade("mint", 2.0, 5, models.SideSell, base+60_000))
	tr.Observe(trade("other", 3.0, 1, models.SideBuy, base+90_000))

	restored := newTestTracker(t, []string{"5m", "24h"})
	restored.Restore(tr.Export())

	if restored.Tokens() != 2 {
		t.Fatalf("tokens = %d, want 2", restored.Tokens())
	}
	now := base + 120_000
	a := tr.Snapshot("mint", now)
	b := restored.Snapshot("mint", now)
	if len(a) != len(b) {
		t.Fatalf("summary counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("window %s differs after restore: %+v vs %+v", a[i].Window, a[i], b[i])
		}
	}
}

func TestSnapshotAllCoversTokens(t *testing.T) {
	tr := newTestTracker(t, []string{"5m"})
	base := int64(1_700_000_000_000)
	tr.Observe(trade("a", 1, 1, models.SideBuy, base))
	tr.Observe(trade("b", 1, 1, models.SideSell, base))
	if got := len(tr.SnapshotAll(base)); got != 2 {
		t.Errorf("summaries = %d, want 2", got)
	}
	if tr.Tokens() != 2 {
		t.Errorf("tokens = %d", tr.Tokens())
	}
}
