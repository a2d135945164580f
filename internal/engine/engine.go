// Package engine runs the partitioned transform pipeline: a dispatcher
// routes decoded events to per-partition workers, each worker folds its
// events into the partition's state and emits derived records.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "chainflow/config"
	"chainflow/internal/channel"
	"chainflow/internal/metrics"
	"chainflow/internal/position"
	"chainflow/internal/refdata"
	"chainflow/internal/registry"
	"chainflow/internal/state"
	"chainflow/logger"
	"chainflow/models"
)

// Item is one routed unit of work.
type Item struct {
	Event models.Event
}

// Engine owns the dispatcher, the partition workers and the flush
// tickers. One worker goroutine per state partition; a worker is the
// only writer of its partition.
type Engine struct {
	config   *appconfig.Config
	registry *registry.Registry
	store    *state.Store
	wal      *state.WAL
	channels *channel.Channels
	refdata  *refdata.Service

	hasEnrich   bool
	hasCandle   bool
	hasRolling  bool
	hasPosition bool

	workers   []chan Item
	lateSeen  []uint64
	processed atomic.Uint64
	ack       func(models.SourceOffset)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tickWg  sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// New wires the engine. The store must have one partition per worker.
func New(cfg *appconfig.Config, reg *registry.Registry, store *state.Store, wal *state.WAL, channels *channel.Channels, ref *refdata.Service) (*Engine, error) {
	if store.Partitions() != cfg.Engine.Workers {
		return nil, fmt.Errorf("store has %d partitions, engine wants %d workers", store.Partitions(), cfg.Engine.Workers)
	}
	e := &Engine{
		config:      cfg,
		registry:    reg,
		store:       store,
		wal:         wal,
		channels:    channels,
		refdata:     ref,
		hasEnrich:   len(reg.ByKind(registry.KindEnrich)) > 0,
		hasCandle:   len(reg.ByKind(registry.KindCandle)) > 0,
		hasRolling:  len(reg.ByKind(registry.KindRolling)) > 0,
		hasPosition: len(reg.ByKind(registry.KindPosition)) > 0,
		workers:     make([]chan Item, cfg.Engine.Workers),
		lateSeen:    make([]uint64, cfg.Engine.Workers),
		log:         logger.GetLogger(),
	}
	for i := range e.workers {
		e.workers[i] = make(chan Item, cfg.Engine.WorkerBuffer)
	}
	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"workers":       len(e.workers),
		"worker_buffer": e.config.Engine.WorkerBuffer,
	}).Info("starting engine workers")

	for i := range e.workers {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.dispatcher()

	if e.hasCandle {
		e.tickWg.Add(1)
		go e.idleFlusher()
	}
	if e.hasRolling {
		e.tickWg.Add(1)
		go e.rollingFlusher()
	}

	log.Info("engine started successfully")
	return nil
}

// Stop waits for the dispatcher and workers to drain. The inbound
// event channel must be closed first; workers exit when their queues
// empty, so no accepted event is dropped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	log := e.log.WithComponent("engine")
	log.Info("stopping engine, draining workers")

	e.wg.Wait()
	e.cancel()
	e.tickWg.Wait()

	log.WithFields(logger.Fields{"events_processed": e.processed.Load()}).Info("engine stopped")
}

// Processed returns the number of events folded since start.
func (e *Engine) Processed() uint64 { return e.processed.Load() }

// SetAck registers the callback invoked once an event's derived output
// has been queued to every egress channel, which is the point its bus
// offset becomes safe to commit. Must be called before Start.
func (e *Engine) SetAck(fn func(models.SourceOffset)) { e.ack = fn }

func (e *Engine) dispatcher() {
	defer e.wg.Done()
	defer func() {
		for _, w := range e.workers {
			close(w)
		}
	}()

	for ev := range e.channels.Events {
		key := ev.PartitionKey()
		if key == "" {
			metrics.IncrementDecodeError(ev.Source.Topic)
			continue
		}
		e.workers[Route(key, len(e.workers))] <- Item{Event: ev}
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{"worker_id": id})
	log.Info("starting partition worker")

	for item := range e.workers[id] {
		e.processEvent(id, item)
	}

	log.Info("worker queue closed, worker stopping")
}

func (e *Engine) processEvent(partition int, item Item) {
	start := time.Now()
	ev := item.Event

	payload, err := json.Marshal(eventPayload(&ev))
	if err != nil {
		e.log.WithComponent("engine").WithError(err).Warn("failed to encode event for wal, skipping")
		metrics.IncrementTransformError("wal")
		return
	}
	seq := e.wal.Append(state.Record{
		Partition: partition,
		Kind:      ev.Kind,
		Source:    fmt.Sprintf("%s/%d", ev.Source.Topic, ev.Source.Partition),
		Offset:    ev.Source.Offset,
		Payload:   payload,
	})

	records := e.apply(partition, &ev, seq)

	for _, rec := range records {
		if !e.emit(rec) {
			return
		}
	}
	if e.ack != nil {
		e.ack(ev.Source)
	}

	e.processed.Add(1)
	metrics.IncrementEvent(ev.Kind)
	if timeout := e.config.Engine.EventTimeout; timeout > 0 {
		if elapsed := time.Since(start); elapsed > timeout {
			metrics.IncrementTransformError("engine")
			e.log.WithComponent("engine").WithFields(logger.Fields{
				"partition":  partition,
				"elapsed_ms": elapsed.Milliseconds(),
				"timeout_ms": timeout.Milliseconds(),
			}).Warn("event processing exceeded timeout")
		}
	}
}

// apply folds one event into the partition state under the partition
// lock and returns the derived records to emit. Splitting fold from
// emit keeps the lock off the egress channels.
func (e *Engine) apply(partition int, ev *models.Event, seq uint64) []models.DerivedRecord {
	p := e.store.Partition(partition)
	var out []models.DerivedRecord

	p.Lock()
	switch ev.Kind {
	case models.EventKindTrade:
		out = e.applyTrade(p, ev.Trade)
	case models.EventKindTransfer:
		out = e.applyTransfer(p, ev.Transfer)
	}
	p.MarkApplied(seq, fmt.Sprintf("%s/%d", ev.Source.Topic, ev.Source.Partition), ev.Source.Offset)
	e.harvestLateDrops(partition, p)
	p.Unlock()

	return out
}

func (e *Engine) applyTrade(p *state.Partition, t *models.TradeEvent) []models.DerivedRecord {
	var out []models.DerivedRecord
	if e.hasEnrich {
		if rec, err := e.enrichTrade(t); err == nil {
			out = append(out, rec)
		} else {
			metrics.IncrementTransformError("enrich")
		}
	}
	if e.hasCandle {
		for _, c := range p.Windows().Apply(t) {
			if rec, err := candleRecord(c); err == nil {
				out = append(out, rec)
				logger.IncrementCandleSealed(1)
			} else {
				metrics.IncrementTransformError("candle")
			}
		}
	}
	if e.hasRolling {
		p.Rolling().Observe(t)
	}
	if e.hasPosition {
		key := positionKey(t.Trader, t.Token)
		st := p.Positions().GetOrCreate(key)
		st.ApplyTrade(t)
		if rec, err := overviewRecord(st.Overview(key)); err == nil {
			out = append(out, rec)
			logger.IncrementPositionEmitted(1)
		} else {
			metrics.IncrementTransformError("position")
		}
	}
	return out
}

func (e *Engine) applyTransfer(p *state.Partition, t *models.TransferEvent) []models.DerivedRecord {
	var out []models.DerivedRecord
	if !e.hasPosition {
		return out
	}
	if t.To != "" {
		key := positionKey(t.To, t.Token)
		st := p.Positions().GetOrCreate(key)
		st.ApplyTransferIn(t)
		if rec, err := overviewRecord(st.Overview(key)); err == nil {
			out = append(out, rec)
			logger.IncrementPositionEmitted(1)
		}
	}
	if t.From != "" {
		key := positionKey(t.From, t.Token)
		st := p.Positions().GetOrCreate(key)
		st.ApplyTransferOut(t)
		if rec, err := overviewRecord(st.Overview(key)); err == nil {
			out = append(out, rec)
			logger.IncrementPositionEmitted(1)
		}
	}
	return out
}

func (e *Engine) enrichTrade(t *models.TradeEvent) (models.DerivedRecord, error) {
	enriched := models.EnrichedTrade{
		TradeID:     t.ID,
		Token:       t.Token,
		Trader:      t.Trader,
		Side:        t.Side,
		BaseAmount:  t.BaseAmount,
		QuoteAmount: t.QuoteAmount,
		QuoteUSD:    t.QuoteUSD,
		Price:       t.Price,
		PriceUSD:    t.PriceUSD,
		TotalFees:   t.Fees.Total(),
		Slot:        t.Slot,
		Timestamp:   t.Timestamp,
	}
	if e.refdata != nil {
		if meta, ok := e.refdata.Lookup(t.Token); ok {
			enriched.Symbol = meta.Symbol
			enriched.Decimals = meta.Decimals
		}
	}
	payload, err := models.Encode(enriched)
	if err != nil {
		return models.DerivedRecord{}, err
	}
	return models.DerivedRecord{
		Subject:   models.SubjectEnrichedTrades,
		Key:       t.ID,
		Version:   t.Timestamp,
		Payload:   payload,
		EmittedAt: time.Now(),
	}, nil
}

// Replay re-applies one durable log record during recovery. State is
// rebuilt but nothing is emitted; downstream already holds the output
// of the first delivery.
func (e *Engine) Replay(rec state.Record) error {
	p := e.store.Partition(rec.Partition)

	switch rec.Kind {
	case models.EventKindTrade:
		var t models.TradeEvent
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			return err
		}
		p.Lock()
		if e.hasCandle {
			p.Windows().Apply(&t)
		}
		if e.hasRolling {
			p.Rolling().Observe(&t)
		}
		if e.hasPosition {
			p.Positions().GetOrCreate(positionKey(t.Trader, t.Token)).ApplyTrade(&t)
		}
		p.MarkApplied(rec.Seq, rec.Source, rec.Offset)
		p.Unlock()
	case models.EventKindTransfer:
		var t models.TransferEvent
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			return err
		}
		p.Lock()
		if e.hasPosition {
			if t.To != "" {
				p.Positions().GetOrCreate(positionKey(t.To, t.Token)).ApplyTransferIn(&t)
			}
			if t.From != "" {
				p.Positions().GetOrCreate(positionKey(t.From, t.Token)).ApplyTransferOut(&t)
			}
		}
		p.MarkApplied(rec.Seq, rec.Source, rec.Offset)
		p.Unlock()
	default:
		return fmt.Errorf("unknown wal record kind %q", rec.Kind)
	}
	return nil
}

// idleFlusher seals windows whose end has passed without a new trade,
// so quiet tokens still close their candles.
func (e *Engine) idleFlusher() {
	defer e.tickWg.Done()

	interval := e.config.Engine.IdleFlush
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for i := 0; i < e.store.Partitions(); i++ {
				p := e.store.Partition(i)
				p.Lock()
				sealed := p.Windows().FlushIdle(now)
				e.harvestLateDrops(i, p)
				p.Unlock()
				for _, c := range sealed {
					if rec, err := candleRecord(c); err == nil {
						e.emit(rec)
						logger.IncrementCandleSealed(1)
					}
				}
			}
		}
	}
}

// rollingFlusher emits rolling metric snapshots on the refresh tick.
func (e *Engine) rollingFlusher() {
	defer e.tickWg.Done()

	interval := e.config.Engine.RollingRefresh
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for i := 0; i < e.store.Partitions(); i++ {
				p := e.store.Partition(i)
				p.Lock()
				snapshots := p.Rolling().SnapshotAll(now)
				p.Unlock()
				for _, m := range snapshots {
					if rec, err := rollingRecord(m); err == nil {
						e.emit(rec)
					}
				}
			}
		}
	}
}

func (e *Engine) harvestLateDrops(partition int, p *state.Partition) {
	total := p.Windows().LateDrops()
	if delta := total - e.lateSeen[partition]; delta > 0 {
		metrics.AddLateDrops(float64(delta))
		e.lateSeen[partition] = total
	}
}

// emit fans one derived record out to the enabled egress channels.
func (e *Engine) emit(rec models.DerivedRecord) bool {
	var outs []chan models.DerivedRecord
	if e.config.Bus.Output.Enabled {
		outs = append(outs, e.channels.Bus)
	}
	if e.config.Sink.ClickHouse.Enabled {
		outs = append(outs, e.channels.Sink)
	}
	if e.config.Archive.S3.Enabled && rec.Subject == models.SubjectCandles {
		outs = append(outs, e.channels.Archive)
	}
	if len(outs) == 0 {
		return true
	}
	if !e.channels.SendDerived(e.ctx, rec, outs...) {
		return false
	}
	metrics.IncrementDerived(rec.Subject)
	return true
}

func positionKey(trader, token string) position.Key {
	return position.Key{Trader: trader, Token: token}
}

func eventPayload(ev *models.Event) any {
	if ev.Kind == models.EventKindTrade {
		return ev.Trade
	}
	return ev.Transfer
}

func candleRecord(c models.Candle) (models.DerivedRecord, error) {
	payload, err := models.Encode(c)
	if err != nil {
		return models.DerivedRecord{}, err
	}
	return models.DerivedRecord{
		Subject:   models.SubjectCandles,
		Key:       fmt.Sprintf("%s:%s:%d", c.Token, c.Timeframe, c.WindowStart),
		Version:   c.Version,
		Payload:   payload,
		EmittedAt: time.Now(),
	}, nil
}

func rollingRecord(m models.RollingMetrics) (models.DerivedRecord, error) {
	payload, err := models.Encode(m)
	if err != nil {
		return models.DerivedRecord{}, err
	}
	return models.DerivedRecord{
		Subject:   models.SubjectRollingMetrics,
		Key:       fmt.Sprintf("%s:%s", m.Token, m.Window),
		Version:   m.Version,
		Payload:   payload,
		EmittedAt: time.Now(),
	}, nil
}

func overviewRecord(o models.PositionOverview) (models.DerivedRecord, error) {
	payload, err := models.Encode(o)
	if err != nil {
		return models.DerivedRecord{}, err
	}
	return models.DerivedRecord{
		Subject:   models.SubjectPositions,
		Key:       fmt.Sprintf("%s:%s", o.Trader, o.Token),
		Version:   o.Version,
		Payload:   payload,
		EmittedAt: time.Now(),
	}, nil
}
