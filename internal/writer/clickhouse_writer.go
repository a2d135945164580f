package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	appconfig "chainflow/config"
	"chainflow/internal/metrics"
	"chainflow/logger"
	"chainflow/models"
)

// SinkStorage is the analytics-store surface the sink writer needs.
// The ClickHouse implementation batches per table; tests substitute a
// recorder.
type SinkStorage interface {
	InsertDerived(ctx context.Context, subject string, records []models.DerivedRecord) error
	Close() error
}

type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage opens the native connection and verifies it
// with a ping.
func NewClickHouseStorage(dsn string) (SinkStorage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return &clickhouseStorage{conn: conn}, nil
}

func (s *clickhouseStorage) Close() error { return s.conn.Close() }

// InsertDerived batch-inserts one subject's records into its table.
// Tables carry (key, version) so ReplacingMergeTree folds the
// duplicate emissions an at-least-once pipeline produces.
func (s *clickhouseStorage) InsertDerived(ctx context.Context, subject string, records []models.DerivedRecord) error {
	if len(records) == 0 {
		return nil
	}
	switch subject {
	case models.SubjectEnrichedTrades:
		return s.insertEnrichedTrades(ctx, records)
	case models.SubjectCandles:
		return s.insertCandles(ctx, records)
	case models.SubjectRollingMetrics:
		return s.insertRollingMetrics(ctx, records)
	case models.SubjectPositions:
		return s.insertPositions(ctx, records)
	default:
		return fmt.Errorf("no sink table for subject %q", subject)
	}
}

func (s *clickhouseStorage) insertEnrichedTrades(ctx context.Context, records []models.DerivedRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO enriched_trade (
			trade_id, token, symbol, trader, side,
			base_amount, quote_amount, quote_usd, price, price_usd,
			total_fees, slot, event_time, inserted_at
		)
	`)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range records {
		var t models.EnrichedTrade
		if err := json.Unmarshal(rec.Payload, &t); err != nil {
			return err
		}
		if err := batch.Append(
			t.TradeID, t.Token, t.Symbol, t.Trader, t.Side,
			t.BaseAmount, t.QuoteAmount, t.QuoteUSD, t.Price, t.PriceUSD,
			t.TotalFees, t.Slot, time.UnixMilli(t.Timestamp), now,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStorage) insertCandles(ctx context.Context, records []models.DerivedRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candle (
			token, timeframe, window_start,
			open, high, low, close, volume, quote_volume,
			trade_count, buy_count, sell_count, version, inserted_at
		)
	`)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range records {
		var c models.Candle
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			return err
		}
		if err := batch.Append(
			c.Token, c.Timeframe, time.UnixMilli(c.WindowStart),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume,
			c.TradeCount, c.BuyCount, c.SellCount, c.Version, now,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStorage) insertRollingMetrics(ctx context.Context, records []models.DerivedRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO rolling_metric (
			token, window, volume, quote_volume,
			trade_count, buy_count, sell_count,
			open_price, last_price, price_change_pct, version, inserted_at
		)
	`)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range records {
		var m models.RollingMetrics
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return err
		}
		if err := batch.Append(
			m.Token, m.Window, m.Volume, m.QuoteVolume,
			m.TradeCount, m.BuyCount, m.SellCount,
			m.OpenPrice, m.LastPrice, m.PriceChangePct, m.Version, now,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStorage) insertPositions(ctx context.Context, records []models.DerivedRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO position_overview (
			trader, token, bought, sold, received, sent, holdings,
			avg_cost_quote, realized_quote, realized_usd,
			fees_total, trade_count, transfer_count, version, inserted_at
		)
	`)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range records {
		var p models.PositionOverview
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		if err := batch.Append(
			p.Trader, p.Token, p.Bought, p.Sold, p.Received, p.Sent, p.Holdings,
			p.AvgCostQuote, p.RealizedQuote, p.RealizedUSD,
			p.FeesTotal, p.TradeCount, p.TransferCount, p.Version, now,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

// SinkWriter drains the sink channel into the analytics store,
// batching per subject. Offsets upstream are already committed, so the
// retry loop never drops a batch; it keeps trying until the store
// accepts it or shutdown forces the final attempt.
type SinkWriter struct {
	config  *appconfig.Config
	recChan <-chan models.DerivedRecord
	storage SinkStorage

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewSinkWriter(cfg *appconfig.Config, recChan <-chan models.DerivedRecord, storage SinkStorage) *SinkWriter {
	return &SinkWriter{
		config:  cfg,
		recChan: recChan,
		storage: storage,
		log:     logger.GetLogger(),
	}
}

func (w *SinkWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sink writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("sink_writer").WithFields(logger.Fields{
		"batch_size":    w.config.Sink.ClickHouse.BatchSize,
		"batch_timeout": w.config.Sink.ClickHouse.BatchTimeout.String(),
	}).Info("sink writer started")
	return nil
}

func (w *SinkWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	// Cancel first so a batch stuck in retry gives up instead of
	// holding Wait forever. The worker still drains the channel.
	w.cancel()
	w.wg.Wait()
	if err := w.storage.Close(); err != nil {
		w.log.WithComponent("sink_writer").WithError(err).Warn("failed to close sink storage")
	}
	w.log.WithComponent("sink_writer").Info("sink writer stopped")
}

func (w *SinkWriter) worker() {
	defer w.wg.Done()

	batchSize := w.config.Sink.ClickHouse.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	batchTimeout := w.config.Sink.ClickHouse.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 2 * time.Second
	}

	batches := make(map[string][]models.DerivedRecord)
	total := 0
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() {
		for subject, records := range batches {
			if len(records) == 0 {
				continue
			}
			w.insertWithRetry(subject, records)
			delete(batches, subject)
		}
		total = 0
	}

	for {
		select {
		case rec, ok := <-w.recChan:
			if !ok {
				flush()
				return
			}
			batches[rec.Subject] = append(batches[rec.Subject], rec)
			total++
			if total >= batchSize {
				flush()
				ticker.Reset(batchTimeout)
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *SinkWriter) insertWithRetry(subject string, records []models.DerivedRecord) {
	log := w.log.WithComponent("sink_writer")
	ctx := context.WithoutCancel(w.ctx)

	for attempt := 1; ; attempt++ {
		err := w.storage.InsertDerived(ctx, subject, records)
		if err == nil {
			log.WithFields(logger.Fields{
				"subject": subject,
				"records": len(records),
			}).Debug("sink batch inserted")
			return
		}
		metrics.IncrementSinkError("clickhouse")
		log.WithError(err).WithFields(logger.Fields{
			"subject": subject,
			"records": len(records),
			"attempt": attempt,
		}).Error("sink insert failed, retrying")

		select {
		case <-w.ctx.Done():
			// Final attempt already ran with a detached context;
			// give up only when the process is leaving.
			if attempt >= 3 {
				log.WithFields(logger.Fields{"subject": subject, "records": len(records)}).Error("dropping sink batch on shutdown")
				return
			}
		case <-time.After(2 * time.Second):
		}
	}
}
