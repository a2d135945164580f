package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chainflow/config"
	"chainflow/logger"
)

// CheckpointHooks lets the owner observe checkpoint outcomes without
// this package importing the metrics registry.
type CheckpointHooks struct {
	OnSuccess  func(duration time.Duration, seq uint64)
	OnError    func()
	OnDegraded func(degraded bool)
}

// Checkpointer periodically persists a snapshot image and rotates the
// WAL behind it. A checkpoint that keeps failing after retries flips
// the engine into degraded durability: processing continues on the
// in-memory tier and the condition is surfaced loudly.
type Checkpointer struct {
	store *Store
	wal   *WAL
	cfg   config.StateConfig
	hooks CheckpointHooks
	log   *logger.Entry

	degraded atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCheckpointer wires the snapshot writer to a store and its WAL.
func NewCheckpointer(store *Store, wal *WAL, cfg config.StateConfig, hooks CheckpointHooks, log *logger.Log) *Checkpointer {
	return &Checkpointer{
		store: store,
		wal:   wal,
		cfg:   cfg,
		hooks: hooks,
		log:   log.WithComponent("checkpoint"),
	}
}

// Start launches the checkpoint loop.
func (c *Checkpointer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run(ctx)
	c.log.WithFields(logger.Fields{
		"interval":  c.cfg.CheckpointInterval.String(),
		"wal_bytes": c.cfg.CheckpointWALBytes,
	}).Info("checkpoint loop started")
	return nil
}

// Stop halts the loop and takes one final checkpoint so a clean
// shutdown restarts without WAL replay.
func (c *Checkpointer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return c.Checkpoint()
}

// Degraded reports whether the last checkpoint attempt exhausted its
// retries.
func (c *Checkpointer) Degraded() bool { return c.degraded.Load() }

func (c *Checkpointer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()

	// Poll the WAL size trigger at a fraction of the interval so a
	// burst of writes does not wait out a full tick.
	sizeTicker := time.NewTicker(c.cfg.CheckpointInterval / 4)
	defer sizeTicker.Stop()

	for {
		select {
		case <-ticker.C:
			c.attempt()
		case <-sizeTicker.C:
			if c.cfg.CheckpointWALBytes > 0 && c.wal.SegmentBytes() >= c.cfg.CheckpointWALBytes {
				c.attempt()
				ticker.Reset(c.cfg.CheckpointInterval)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checkpointer) attempt() {
	if err := c.Checkpoint(); err != nil {
		c.setDegraded(true)
		c.log.WithError(err).Error("checkpoint failed after retries, durability degraded")
		return
	}
	c.setDegraded(false)
}

// Checkpoint flushes the WAL, exports a consistent image, writes it
// atomically with bounded retries, then rotates the log.
func (c *Checkpointer) Checkpoint() error {
	start := time.Now()

	if err := c.wal.Flush(); err != nil {
		return err
	}
	img := c.store.ExportImage()

	var lastErr error
	delay := c.cfg.Retry.BaseDelay
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		lastErr = WriteImage(c.cfg.Dir, img)
		if lastErr == nil {
			break
		}
		if c.hooks.OnError != nil {
			c.hooks.OnError()
		}
		c.log.WithError(lastErr).WithFields(logger.Fields{
			"attempt": attempt,
			"max":     c.cfg.Retry.MaxAttempts,
		}).Warn("snapshot write failed")
		if attempt < c.cfg.Retry.MaxAttempts {
			time.Sleep(delay)
			delay *= 2
			if c.cfg.Retry.MaxDelay > 0 && delay > c.cfg.Retry.MaxDelay {
				delay = c.cfg.Retry.MaxDelay
			}
		}
	}
	if lastErr != nil {
		return lastErr
	}

	if err := c.wal.Rotate(img.MinAppliedSeq); err != nil {
		// The snapshot itself is durable; a rotate failure only
		// leaves extra replay work for the next start.
		c.log.WithError(err).Warn("wal rotate failed after checkpoint")
	}

	elapsed := time.Since(start)
	if c.hooks.OnSuccess != nil {
		c.hooks.OnSuccess(elapsed, img.MinAppliedSeq)
	}
	logger.IncrementCheckpoint(1)
	c.log.WithFields(logger.Fields{
		"duration_ms": elapsed.Milliseconds(),
		"covered_seq": img.MinAppliedSeq,
		"partitions":  len(img.Partitions),
	}).Info("checkpoint complete")
	return nil
}

func (c *Checkpointer) setDegraded(v bool) {
	if c.degraded.Swap(v) != v && c.hooks.OnDegraded != nil {
		c.hooks.OnDegraded(v)
	}
}
