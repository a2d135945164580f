// Package writer drains the derived-record channels into the egress
// targets: the outbound bus, the analytics sink, and the long-term
// archive.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	appconfig "chainflow/config"
	"chainflow/internal/metrics"
	"chainflow/logger"
	"chainflow/models"
)

// BusWriter publishes derived records back to the bus, one topic per
// subject. Records are keyed so downstream consumers can apply
// keep-latest-by-version compaction.
type BusWriter struct {
	config   *appconfig.Config
	recChan  <-chan models.DerivedRecord
	writer   *kafka.Writer
	topics   map[string]string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log
	written  uint64
}

func NewBusWriter(cfg *appconfig.Config, recChan <-chan models.DerivedRecord) *BusWriter {
	prefix := cfg.Bus.Output.TopicPrefix
	topics := make(map[string]string, 4)
	for _, subject := range []string{
		models.SubjectEnrichedTrades,
		models.SubjectCandles,
		models.SubjectRollingMetrics,
		models.SubjectPositions,
	} {
		topics[subject] = prefix + subject
	}
	return &BusWriter{
		config:  cfg,
		recChan: recChan,
		topics:  topics,
		log:     logger.GetLogger(),
	}
}

func (w *BusWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("bus writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.writer = &kafka.Writer{
		Addr:         kafka.TCP(w.config.Bus.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("bus_writer").WithFields(logger.Fields{
		"brokers":      w.config.Bus.Brokers,
		"topic_prefix": w.config.Bus.Output.TopicPrefix,
	}).Info("bus writer started")
	return nil
}

// Stop drains the record channel and closes the producer. The channel
// must be closed by the pipeline owner first.
func (w *BusWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()
	if err := w.writer.Close(); err != nil {
		w.log.WithComponent("bus_writer").WithError(err).Warn("failed to close bus producer")
	}
	w.log.WithComponent("bus_writer").WithFields(logger.Fields{"records_written": w.written}).Info("bus writer stopped")
}

func (w *BusWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("bus_writer")
	for rec := range w.recChan {
		if err := w.publish(rec); err != nil {
			metrics.IncrementSinkError("bus")
			log.WithError(err).WithFields(logger.Fields{
				"subject": rec.Subject,
				"key":     rec.Key,
			}).Error("failed to publish derived record")
			continue
		}
		w.written++
	}
	log.Info("derived channel closed, bus writer draining done")
}

func (w *BusWriter) publish(rec models.DerivedRecord) error {
	topic, ok := w.topics[rec.Subject]
	if !ok {
		return fmt.Errorf("no topic mapped for subject %q", rec.Subject)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(rec.Key),
		Value: rec.Payload,
		Headers: []kafka.Header{
			{Key: "version", Value: []byte(fmt.Sprintf("%d", rec.Version))},
			{Key: "subject", Value: []byte(rec.Subject)},
		},
	}

	// Bounded retry: re-publishing a duplicate later is safe, losing
	// the record is not.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 5*time.Second)
		err = w.writer.WriteMessages(ctx, msg)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return err
}
