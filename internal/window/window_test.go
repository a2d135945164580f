package window

import (
	"bytes"
	"testing"
	"time"

	"chainflow/models"
)

func trade(price, qty float64, side string, ts int64) *models.TradeEvent {
	return &models.TradeEvent{
		ID: "t", Token: "mint", Trader: "w", Side: side,
		BaseAmount: qty, QuoteAmount: qty * price, Price: price, Timestamp: ts,
	}
}

func newTestManager(t *testing.T, names []string, tolerance time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(names, tolerance)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tf.Millis != 60_000 {
		t.Errorf("1m = %d ms", tf.Millis)
	}
	if _, err := ParseTimeframe("2m"); err == nil {
		t.Error("expected error for unknown timeframe")
	}
	if got := len(AllTimeframes()); got != 15 {
		t.Errorf("timeframe count = %d, want 15", got)
	}
}

func TestOHLCWithinOneWindow(t *testing.T) {
	m := newTestManager(t, []string{"1m"}, 0)
	base := int64(1_700_000_040_000) // aligned to a minute boundary
	prices := []float64{5, 9, 2, 7}
	for i, p := range prices {
		if sealed := m.Apply(trade(p, 1, models.SideBuy, base+int64(i)*1000)); len(sealed) != 0 {
			t.Fatalf("unexpected seal inside window: %v", sealed)
		}
	}
	sealed := m.Apply(trade(6, 1, models.SideSell, base+60_000))
	if len(sealed) != 1 {
		t.Fatalf("got %d candles, want 1", len(sealed))
	}
	c := sealed[0]
	if c.Open != 5 || c.Close != 7 || c.High != 9 || c.Low != 2 {
		t.Errorf("ohlc = %v/%v/%v/%v, want 5/7/9/2", c.Open, c.Close, c.High, c.Low)
	}
	if c.Volume != 4 || c.TradeCount != 4 || c.BuyCount != 4 {
		t.Errorf("volume/count = %v/%d/%d", c.Volume, c.TradeCount, c.BuyCount)
	}
	if c.WindowStart != base {
		t.Errorf("window start = %d, want %d", c.WindowStart, base)
	}
}

func TestMultiTimeframeIndependence(t *testing.T) {
	m := newTestManager(t, []string{"1s", "1m"}, 0)
	base := int64(1_700_000_040_000)
	m.Apply(trade(1, 1, models.SideBuy, base))
	// Crossing the 1s boundary seals the 1s bucket but not the 1m one.
	sealed := m.Apply(trade(2, 1, models.SideBuy, base+1000))
	if len(sealed) != 1 {
		t.Fatalf("got %d candles, want 1", len(sealed))
	}
	if sealed[0].Timeframe != "1s" {
		t.Errorf("sealed timeframe = %s, want 1s", sealed[0].Timeframe)
	}
	if m.OpenBuckets() != 2 {
		t.Errorf("open buckets = %d, want 2", m.OpenBuckets())
	}
}

func TestIdempotentSeal(t *testing.T) {
	m := newTestManager(t, []string{"1m"}, 0)
	base := int64(1_700_000_040_000)
	m.Apply(trade(5, 2, models.SideBuy, base))
	m.Apply(trade(7, 1, models.SideSell, base+30_000))
	sealed := m.Apply(trade(6, 1, models.SideBuy, base+60_000))
	if len(sealed) != 1 {
		t.Fatalf("got %d candles", len(sealed))
	}

	// Simulated duplicate delivery: encoding the sealed candle twice
	// must produce byte-identical records.
	a, err := models.Encode(sealed[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := models.Encode(sealed[0])
	if !bytes.Equal(a, b) {
		t.Error("duplicate emission differs")
	}
}

func TestLateEventWithinTolerance(t *testing.T) {
	m := newTestManager(t, []string{"1m"}, time.Minute)
	base := int64(1_700_000_040_000)
	m.Apply(trade(5, 1, models.SideBuy, base))
	sealed := m.Apply(trade(6, 1, models.SideBuy, base+60_000))
	if len(sealed) != 1 {
		t.Fatalf("got %d candles", len(sealed))
	}
	v1 := sealed[0].Version

	// A late trade for the sealed window reopens it and re-emits with
	// a higher version and updated aggregates.
	late := m.Apply(trade(9, 2, models.SideSell, base+30_000))
	if len(late) != 1 {
		t.Fatalf("late fold emitted %d candles, want 1", len(late))
	}
	c := late[0]
	if c.WindowStart != base {
		t.Errorf("late candle window = %d, want %d", c.WindowStart, base)
	}
	if c.High != 9 || c.Volume != 3 || c.TradeCount != 2 {
		t.Errorf("late candle = %+v", c)
	}
	if c.Version <= v1 {
		t.Errorf("version did not advance: %d vs %d", c.Version, v1)
	}
	if m.LateDrops() != 0 {
		t.Errorf("late drops = %d, want 0", m.LateDrops())
	}
}

func TestLateEventOlderThanLastTradeStillBumpsVersion(t *testing.T) {
	m := newTestManager(t, []string{"1s"}, time.Minute)
	base := int64(1_700_000_040_000)
	m.Apply(trade(1, 1, models.SideBuy, base+100))
	m.Apply(trade(2, 1, models.SideBuy, base+900))
	sealed := m.Apply(trade(3, 1, models.SideBuy, base+1500))
	if len(sealed) != 1 {
		t.Fatalf("got %d candles", len(sealed))
	}
	v1 := sealed[0].Version

	// The late trade predates the sealed bucket's last trade, so its
	// timestamp alone cannot order the correction after the original.
	late := m.Apply(trade(10, 1, models.SideBuy, base+500))
	if len(late) != 1 {
		t.Fatalf("late fold emitted %d candles, want 1", len(late))
	}
	c := late[0]
	if c.Volume != 3 || c.High != 10 || c.TradeCount != 3 {
		t.Errorf("late candle = %+v", c)
	}
	if c.Version <= v1 {
		t.Errorf("version did not advance: %d vs %d", c.Version, v1)
	}

	// A second reopen must outrank the first one too.
	again := m.Apply(trade(11, 1, models.SideBuy, base+600))
	if len(again) != 1 {
		t.Fatalf("second late fold emitted %d candles", len(again))
	}
	if again[0].Version <= c.Version {
		t.Errorf("second reopen version = %d, first = %d", again[0].Version, c.Version)
	}
}

func TestLateEventBeyondToleranceDropped(t *testing.T) {
	m := newTestManager(t, []string{"1m"}, 0)
	base := int64(1_700_000_040_000)
	m.Apply(trade(5, 1, models.SideBuy, base))
	m.Apply(trade(6, 1, models.SideBuy, base+60_000))

	sealed := m.Apply(trade(9, 1, models.SideBuy, base+30_000))
	if len(sealed) != 0 {
		t.Fatalf("dropped event still emitted: %v", sealed)
	}
	if m.LateDrops() != 1 {
		t.Errorf("late drops = %d, want 1", m.LateDrops())
	}
	// Dropped, never silently merged: the open window is untouched.
	cur := m.Apply(trade(6, 1, models.SideBuy, base+120_000))
	if len(cur) != 1 || cur[0].TradeCount != 1 {
		t.Errorf("open window was polluted: %+v", cur)
	}
}

func TestFlushIdleSealsQuietKeys(t *testing.T) {
	m := newTestManager(t, []string{"1s"}, 0)
	base := int64(1_700_000_040_000)
	m.Apply(trade(5, 1, models.SideBuy, base))

	// Window has ended on the wall clock; the ticker flush seals it.
	sealed := m.FlushIdle(time.UnixMilli(base + 2000))
	if len(sealed) != 1 {
		t.Fatalf("flush sealed %d candles, want 1", len(sealed))
	}
	if m.OpenBuckets() != 0 {
		t.Errorf("open buckets = %d after flush", m.OpenBuckets())
	}

	// Nothing left to seal.
	if sealed := m.FlushIdle(time.UnixMilli(base + 3000)); len(sealed) != 0 {
		t.Errorf("second flush sealed %d candles", len(sealed))
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t, []string{"1m"}, 0)
	base := int64(1_700_000_040_000)
	m.Apply(trade(5, 2, models.SideBuy, base))
	m.Apply(trade(8, 1, models.SideSell, base+10_000))

	img := m.Export()
	restored := newTestManager(t, []string{"1m"}, 0)
	restored.Restore(img)

	sealedA := m.Apply(trade(6, 1, models.SideBuy, base+60_000))
	sealedB := restored.Apply(trade(6, 1, models.SideBuy, base+60_000))
	if len(sealedA) != 1 || len(sealedB) != 1 {
		t.Fatalf("seal counts differ: %d vs %d", len(sealedA), len(sealedB))
	}
	a, _ := models.Encode(sealedA[0])
	b, _ := models.Encode(sealedB[0])
	if !bytes.Equal(a, b) {
		t.Error("restored manager produced a different candle")
	}
}
