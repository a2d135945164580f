// Package channel owns the buffered channels between the pipeline
// stages: source events flowing toward the engine, and derived records
// flowing from the engine to each egress writer.
package channel

import (
	"context"
	"sync"

	"chainflow/logger"
	"chainflow/models"
)

type ChannelStats struct {
	EventsSent  int64
	DerivedSent int64
}

// Channels wires reader, engine and writers together. Sends block when
// a buffer is full; backpressure propagates upstream to the bus reader
// instead of dropping records.
type Channels struct {
	Events  chan models.Event
	Bus     chan models.DerivedRecord
	Sink    chan models.DerivedRecord
	Archive chan models.DerivedRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, derivedBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:  make(chan models.Event, eventBufferSize),
		Bus:     make(chan models.DerivedRecord, derivedBufferSize),
		Sink:    make(chan models.DerivedRecord, derivedBufferSize),
		Archive: make(chan models.DerivedRecord, derivedBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size":   eventBufferSize,
		"derived_buffer_size": derivedBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	c.CloseEvents()
	c.CloseDerived()
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// CloseEvents closes only the inbound event channel, letting the
// engine drain and exit while the egress channels stay open.
func (c *Channels) CloseEvents() {
	close(c.Events)
}

// CloseDerived closes only the egress channels. Called after the
// engine has drained, so writers see end of stream.
func (c *Channels) CloseDerived() {
	close(c.Bus)
	close(c.Sink)
	close(c.Archive)
}

func (c *Channels) IncrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDerivedSent() {
	c.statsMutex.Lock()
	c.stats.DerivedSent++
	c.statsMutex.Unlock()
}

// SendEvent queues a source event for the engine. Blocks until there
// is room or ctx is cancelled.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	select {
	case c.Events <- ev:
		c.IncrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendDerived fans a derived record out to every enabled egress
// channel. Nil channels are skipped so disabled sinks cost nothing.
func (c *Channels) SendDerived(ctx context.Context, rec models.DerivedRecord, outs ...chan models.DerivedRecord) bool {
	for _, out := range outs {
		if out == nil {
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return false
		}
	}
	c.IncrementDerivedSent()
	return true
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Occupancy reports queued length and capacity per channel, keyed by
// channel name, for the metrics gauges.
func (c *Channels) Occupancy() map[string][2]int {
	return map[string][2]int{
		"events":  {len(c.Events), cap(c.Events)},
		"bus":     {len(c.Bus), cap(c.Bus)},
		"sink":    {len(c.Sink), cap(c.Sink)},
		"archive": {len(c.Archive), cap(c.Archive)},
	}
}
