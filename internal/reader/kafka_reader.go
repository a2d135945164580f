// Package reader consumes trade and transfer events from the bus,
// decodes and validates them, and hands them to the engine. Offsets
// are committed only after the engine has queued an event's derived
// output, giving at-least-once delivery end to end.
package reader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	appconfig "chainflow/config"
	"chainflow/internal/channel"
	"chainflow/internal/metrics"
	"chainflow/logger"
	"chainflow/models"
)

// fetchTimeout keeps FetchMessage responsive to shutdown.
const fetchTimeout = 2 * time.Second

// BusReader runs one consumer loop per source topic.
type BusReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	tracker  *Tracker

	// Offsets already folded into recovered state; anything at or
	// below these is skipped instead of re-applied.
	recovered map[string]int64

	readers map[string]*kafka.Reader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewBusReader builds the reader. recovered may be nil on a cold start.
func NewBusReader(cfg *appconfig.Config, channels *channel.Channels, tracker *Tracker, recovered map[string]int64) *BusReader {
	if recovered == nil {
		recovered = make(map[string]int64)
	}
	return &BusReader{
		config:    cfg,
		channels:  channels,
		tracker:   tracker,
		recovered: recovered,
		readers:   make(map[string]*kafka.Reader),
		log:       logger.GetLogger(),
	}
}

func (r *BusReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bus reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("bus_reader").WithFields(logger.Fields{"operation": "start"})

	topics := []string{r.config.Bus.TradesTopic}
	if r.config.Bus.TransfersTopic != "" {
		topics = append(topics, r.config.Bus.TransfersTopic)
	}
	for _, topic := range topics {
		kr := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        r.config.Bus.Brokers,
			GroupID:        r.config.Bus.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // commits are explicit, after processing
		})
		r.readers[topic] = kr

		r.wg.Add(1)
		go r.consume(topic, kr)
	}

	r.wg.Add(1)
	go r.commitLoop()

	log.WithFields(logger.Fields{
		"brokers": r.config.Bus.Brokers,
		"topics":  topics,
		"group":   r.config.Bus.GroupID,
	}).Info("bus reader started")
	return nil
}

// Stop halts the consume loops and closes the bus connections. Events
// already handed to the engine keep flowing; their offsets commit on
// the next start from the recovered state instead.
func (r *BusReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	log := r.log.WithComponent("bus_reader")
	log.Info("stopping bus reader")

	r.cancel()
	r.wg.Wait()

	r.commit(context.Background())
	for topic, kr := range r.readers {
		if err := kr.Close(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("failed to close bus reader")
		}
	}
	log.Info("bus reader stopped")
}

func (r *BusReader) consume(topic string, kr *kafka.Reader) {
	defer r.wg.Done()

	log := r.log.WithComponent("bus_reader").WithFields(logger.Fields{"topic": topic})
	log.Info("consume loop started")

	for {
		if r.ctx.Err() != nil {
			return
		}
		fetchCtx, cancel := context.WithTimeout(r.ctx, fetchTimeout)
		msg, err := kr.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).Warn("bus fetch failed")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		r.handleMessage(topic, msg, log)
	}
}

func (r *BusReader) handleMessage(topic string, msg kafka.Message, log *logger.Entry) {
	source := fmt.Sprintf("%s/%d", topic, msg.Partition)
	r.tracker.Observe(source, msg.Offset)

	// Already folded into recovered state: ack without re-applying.
	if last, ok := r.recovered[source]; ok && msg.Offset <= last {
		r.tracker.Ack(source, msg.Offset)
		return
	}

	ev, err := r.decode(topic, msg)
	if err != nil {
		// Malformed payloads are counted and skipped; the offset
		// still advances so one bad record cannot wedge the source.
		metrics.IncrementDecodeError(topic)
		log.WithError(err).WithFields(logger.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("dropping malformed event")
		r.tracker.Ack(source, msg.Offset)
		return
	}

	logger.IncrementEventDecoded(len(msg.Value))
	if !r.channels.SendEvent(r.ctx, ev) {
		return
	}
}

func (r *BusReader) decode(topic string, msg kafka.Message) (models.Event, error) {
	now := time.Now()
	source := models.SourceOffset{Topic: topic, Partition: msg.Partition, Offset: msg.Offset}

	switch topic {
	case r.config.Bus.TradesTopic:
		trade, err := models.DecodeTrade(msg.Value)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Kind: models.EventKindTrade, Trade: trade, Source: source, Received: now}, nil
	case r.config.Bus.TransfersTopic:
		transfer, err := models.DecodeTransfer(msg.Value)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Kind: models.EventKindTransfer, Transfer: transfer, Source: source, Received: now}, nil
	default:
		return models.Event{}, fmt.Errorf("message from unexpected topic %q", topic)
	}
}

func (r *BusReader) commitLoop() {
	defer r.wg.Done()

	interval := r.config.Bus.CommitInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.commit(r.ctx)
		}
	}
}

// parseSource splits a "topic/partition" source key.
func parseSource(source string) (string, int, bool) {
	i := strings.LastIndexByte(source, '/')
	if i < 0 {
		return "", 0, false
	}
	partition, err := strconv.Atoi(source[i+1:])
	if err != nil {
		return "", 0, false
	}
	return source[:i], partition, true
}

// commit pushes the contiguous acknowledged frontier to the bus.
func (r *BusReader) commit(ctx context.Context) {
	log := r.log.WithComponent("bus_reader")
	for source, offset := range r.tracker.Committable() {
		topic, partition, ok := parseSource(source)
		if !ok {
			continue
		}
		kr, ok := r.readers[topic]
		if !ok {
			continue
		}
		err := kr.CommitMessages(ctx, kafka.Message{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).WithFields(logger.Fields{"source": source}).Warn("offset commit failed")
		}
	}
}
