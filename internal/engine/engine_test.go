package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	appconfig "chainflow/config"
	"chainflow/internal/channel"
	"chainflow/internal/registry"
	"chainflow/internal/state"
	"chainflow/logger"
	"chainflow/models"
)

func TestRouteStableAndBounded(t *testing.T) {
	keys := []string{"tokA", "tokB", "tokC", "tokD", ""}
	for _, key := range keys {
		first := Route(key, 8)
		if first < 0 || first >= 8 {
			t.Fatalf("Route(%q) = %d out of range", key, first)
		}
		for i := 0; i < 10; i++ {
			if got := Route(key, 8); got != first {
				t.Fatalf("Route(%q) unstable: %d then %d", key, first, got)
			}
		}
	}
	if got := Route("anything", 1); got != 0 {
		t.Errorf("Route with one partition = %d", got)
	}
}

func testConfig(workers int) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Engine.Workers = workers
	cfg.Engine.WorkerBuffer = 64
	cfg.Engine.EventTimeout = time.Second
	cfg.Engine.LateTolerance = 30 * time.Second
	cfg.Engine.IdleFlush = time.Hour
	cfg.Engine.RollingRefresh = time.Hour
	cfg.Bus.Output.Enabled = true
	return cfg
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&appconfig.TransformCatalog{Transforms: []appconfig.TransformSpec{
		{Pipeline: "chainflow", Name: "enriched-trades", Kind: registry.KindEnrich, Source: registry.SourceTrades, KeyBy: registry.KeyByToken, Output: "enriched_trades", Encoding: "json"},
		{Pipeline: "chainflow", Name: "token-candles", Kind: registry.KindCandle, Source: registry.SourceTrades, KeyBy: registry.KeyByToken, Timeframes: []string{"1m"}, Output: "candles", Encoding: "json"},
		{Pipeline: "chainflow", Name: "trader-positions", Kind: registry.KindPosition, Source: registry.SourceAll, KeyBy: registry.KeyByTraderToken, Output: "position_overviews", Encoding: "json"},
	}})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

type testHarness struct {
	engine   *Engine
	store    *state.Store
	wal      *state.WAL
	channels *channel.Channels

	mu      sync.Mutex
	derived []models.DerivedRecord
	acked   []models.SourceOffset
	drained sync.WaitGroup
}

func newHarness(t *testing.T, cfg *appconfig.Config) *testHarness {
	t.Helper()

	store, err := state.NewStore(state.Config{
		Partitions:     cfg.Engine.Workers,
		Timeframes:     []string{"1m"},
		RollingWindows: []string{"5m"},
		LateTolerance:  cfg.Engine.LateTolerance,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	wal, err := state.OpenWAL(t.TempDir(), 256, 10*time.Millisecond, logger.GetLogger())
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	channels := channel.NewChannels(64, 256)

	eng, err := New(cfg, testRegistry(t), store, wal, channels, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &testHarness{engine: eng, store: store, wal: wal, channels: channels}
	eng.SetAck(func(off models.SourceOffset) {
		h.mu.Lock()
		h.acked = append(h.acked, off)
		h.mu.Unlock()
	})

	h.drained.Add(1)
	go func() {
		defer h.drained.Done()
		for rec := range channels.Bus {
			h.mu.Lock()
			h.derived = append(h.derived, rec)
			h.mu.Unlock()
		}
	}()
	return h
}

func (h *testHarness) run(t *testing.T, events []models.Event) {
	t.Helper()
	ctx := context.Background()
	h.wal.Start(ctx)
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	for _, ev := range events {
		if !h.channels.SendEvent(ctx, ev) {
			t.Fatal("SendEvent failed")
		}
	}
	h.channels.CloseEvents()
	h.engine.Stop()
	h.channels.CloseDerived()
	h.drained.Wait()
	if err := h.wal.Stop(); err != nil {
		t.Fatalf("wal.Stop: %v", err)
	}
}

func tradeEvent(id, token, trader, side string, base, quote float64, ts int64, offset int64) models.Event {
	return models.Event{
		Kind: models.EventKindTrade,
		Trade: &models.TradeEvent{
			ID: id, Token: token, Trader: trader, Side: side,
			BaseAmount: base, QuoteAmount: quote, QuoteUSD: quote,
			Price: quote / base, PriceUSD: quote / base, Timestamp: ts,
		},
		Source: models.SourceOffset{Topic: "trades", Partition: 0, Offset: offset},
	}
}

func transferEvent(id, token, from, to string, amount float64, ts int64, offset int64) models.Event {
	return models.Event{
		Kind: models.EventKindTransfer,
		Transfer: &models.TransferEvent{
			ID: id, Token: token, From: from, To: to, Amount: amount, Timestamp: ts,
		},
		Source: models.SourceOffset{Topic: "transfers", Partition: 0, Offset: offset},
	}
}

func TestEngineProcessesTradesEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig(2))

	base := int64(1_700_000_000_000)
	h.run(t, []models.Event{
		tradeEvent("t1", "tokA", "alice", models.SideBuy, 100, 100, base, 0),
		tradeEvent("t2", "tokA", "alice", models.SideBuy, 100, 200, base+1_000, 1),
		tradeEvent("t3", "tokA", "alice", models.SideSell, 50, 150, base+120_000, 2),
	})

	if got := h.engine.Processed(); got != 3 {
		t.Fatalf("Processed = %d, want 3", got)
	}
	if len(h.acked) != 3 {
		t.Fatalf("acked %d offsets, want 3", len(h.acked))
	}

	bySubject := make(map[string][]models.DerivedRecord)
	for _, rec := range h.derived {
		bySubject[rec.Subject] = append(bySubject[rec.Subject], rec)
	}
	if got := len(bySubject[models.SubjectEnrichedTrades]); got != 3 {
		t.Errorf("enriched trades = %d, want 3", got)
	}
	if got := len(bySubject[models.SubjectPositions]); got != 3 {
		t.Errorf("position overviews = %d, want 3", got)
	}
	// The third trade is two minutes later, sealing the first 1m window.
	if got := len(bySubject[models.SubjectCandles]); got != 1 {
		t.Fatalf("candles = %d, want 1", got)
	}
	var c models.Candle
	if err := json.Unmarshal(bySubject[models.SubjectCandles][0].Payload, &c); err != nil {
		t.Fatalf("candle payload: %v", err)
	}
	if c.Open != 1 || c.Close != 2 || c.TradeCount != 2 {
		t.Errorf("sealed candle = %+v", c)
	}

	// Weighted average cost 1.5, sell 50 at 3: realized 75.
	var last models.PositionOverview
	recs := bySubject[models.SubjectPositions]
	if err := json.Unmarshal(recs[len(recs)-1].Payload, &last); err != nil {
		t.Fatalf("overview payload: %v", err)
	}
	if last.RealizedQuote != 75 || last.Holdings != 150 {
		t.Errorf("final overview realized=%v holdings=%v", last.RealizedQuote, last.Holdings)
	}
}

func TestEngineTransferFlowsBetweenTraders(t *testing.T) {
	h := newHarness(t, testConfig(2))

	base := int64(1_700_000_000_000)
	h.run(t, []models.Event{
		tradeEvent("t1", "tokA", "alice", models.SideBuy, 100, 100, base, 0),
		transferEvent("x1", "tokA", "alice", "bob", 40, base+1_000, 0),
	})

	// Both sides of the transfer live on the token's partition.
	p := h.store.Partition(Route("tokA", 2))
	alice, ok := p.Positions().Get(positionKey("alice", "tokA"))
	if !ok || alice.Holdings() != 60 {
		t.Errorf("alice holdings = %v, want 60", alice.Holdings())
	}
	bob, ok := p.Positions().Get(positionKey("bob", "tokA"))
	if !ok || bob.Holdings() != 40 {
		t.Errorf("bob holdings = %v, want 40", bob.Holdings())
	}
}

func TestEngineRecoveryRebuildsIdenticalState(t *testing.T) {
	cfg := testConfig(2)
	h := newHarness(t, cfg)

	base := int64(1_700_000_000_000)
	events := []models.Event{
		tradeEvent("t1", "tokA", "alice", models.SideBuy, 1000, 1, base, 0),
		tradeEvent("t2", "tokA", "alice", models.SideSell, 500, 1.5, base+5_000, 1),
		tradeEvent("t3", "tokB", "bob", models.SideBuy, 10, 20, base+6_000, 2),
		transferEvent("x1", "tokA", "alice", "carol", 100, base+7_000, 0),
	}

	walDir := t.TempDir()
	wal, err := state.OpenWAL(walDir, 256, 10*time.Millisecond, logger.GetLogger())
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	h.wal = wal
	eng, err := New(cfg, testRegistry(t), h.store, wal, h.channels, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.SetAck(func(models.SourceOffset) {})
	h.engine = eng
	h.run(t, events)

	// Rebuild a fresh store by replaying the log, as startup would.
	store2, err := state.NewStore(state.Config{
		Partitions:     cfg.Engine.Workers,
		Timeframes:     []string{"1m"},
		RollingWindows: []string{"5m"},
		LateTolerance:  cfg.Engine.LateTolerance,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ch2 := channel.NewChannels(1, 1)
	eng2, err := New(cfg, testRegistry(t), store2, nil, ch2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := state.Recover(store2, walDir, 30*time.Second, eng2.Replay, logger.GetLogger())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Replayed != len(events) {
		t.Fatalf("Replayed = %d, want %d", res.Replayed, len(events))
	}

	for i := 0; i < cfg.Engine.Workers; i++ {
		want := h.store.Partition(i)
		got := store2.Partition(i)
		if got.Positions().Len() != want.Positions().Len() {
			t.Fatalf("partition %d positions = %d, want %d", i, got.Positions().Len(), want.Positions().Len())
		}
		if got.Windows().OpenBuckets() != want.Windows().OpenBuckets() {
			t.Errorf("partition %d open buckets = %d, want %d", i, got.Windows().OpenBuckets(), want.Windows().OpenBuckets())
		}
	}

	p := store2.Partition(Route("tokA", 2))
	alice, ok := p.Positions().Get(positionKey("alice", "tokA"))
	if !ok {
		t.Fatal("alice position missing after replay")
	}
	orig, _ := h.store.Partition(Route("tokA", 2)).Positions().Get(positionKey("alice", "tokA"))
	if alice.RealizedQuote != orig.RealizedQuote || alice.Holdings() != orig.Holdings() || alice.EventCount != orig.EventCount {
		t.Errorf("replayed position %+v, want %+v", alice, orig)
	}
	if res.Offsets["trades/0"] != 2 {
		t.Errorf("recovered offsets = %v", res.Offsets)
	}
}

func TestEngineMalformedKeyCounted(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.run(t, []models.Event{
		{Kind: models.EventKindTrade, Source: models.SourceOffset{Topic: "trades"}},
		tradeEvent("t1", "tokA", "alice", models.SideBuy, 1, 1, 1_700_000_000_000, 1),
	})
	if got := h.engine.Processed(); got != 1 {
		t.Errorf("Processed = %d, want 1 (keyless event dropped)", got)
	}
}
