// Package state owns the two-tier partitioned engine state: a fast
// in-memory tier mutated by partition workers, and a durable tier made
// of an append-only write-ahead log plus periodic snapshot images.
package state

import (
	"sync"
	"time"

	"chainflow/internal/position"
	"chainflow/internal/rolling"
	"chainflow/internal/window"
)

// Partition is the in-memory state owned by exactly one worker. The
// worker is the only mutator; the mutex only fences the checkpoint
// manager's export against a mid-event read.
type Partition struct {
	ID int

	mu         sync.Mutex
	positions  *position.Book
	windows    *window.Manager
	rolling    *rolling.Tracker
	offsets    map[string]int64 // "topic/partition" -> last applied offset
	appliedSeq uint64           // last WAL seq folded into this partition
}

// Positions returns the partition's position book. Caller must be the
// owning worker or hold the partition lock.
func (p *Partition) Positions() *position.Book { return p.positions }

// Windows returns the partition's window manager.
func (p *Partition) Windows() *window.Manager { return p.windows }

// Rolling returns the partition's rolling-metrics tracker.
func (p *Partition) Rolling() *rolling.Tracker { return p.rolling }

// Lock fences the partition for a multi-step mutation or export.
func (p *Partition) Lock() { p.mu.Lock() }

// Unlock releases the partition fence.
func (p *Partition) Unlock() { p.mu.Unlock() }

// MarkApplied records that the WAL record with the given seq and bus
// offset has been folded into this partition. Caller holds the lock.
func (p *Partition) MarkApplied(seq uint64, source string, offset int64) {
	p.appliedSeq = seq
	if source != "" {
		p.offsets[source] = offset
	}
}

// AppliedSeq returns the last applied WAL sequence. Caller holds the lock.
func (p *Partition) AppliedSeq() uint64 { return p.appliedSeq }

// Store is the full in-memory tier: one Partition per worker.
type Store struct {
	partitions []*Partition
}

// Config shapes the per-partition state tiers.
type Config struct {
	Partitions     int
	Timeframes     []string
	RollingWindows []string
	LateTolerance  time.Duration
}

// NewStore builds the in-memory tier with empty partitions.
func NewStore(cfg Config) (*Store, error) {
	parts := make([]*Partition, cfg.Partitions)
	for i := range parts {
		wm, err := window.NewManager(cfg.Timeframes, cfg.LateTolerance)
		if err != nil {
			return nil, err
		}
		rt, err := rolling.NewTracker(cfg.RollingWindows)
		if err != nil {
			return nil, err
		}
		parts[i] = &Partition{
			ID:        i,
			positions: position.NewBook(),
			windows:   wm,
			rolling:   rt,
			offsets:   make(map[string]int64),
		}
	}
	return &Store{partitions: parts}, nil
}

// Partitions returns the partition count.
func (s *Store) Partitions() int { return len(s.partitions) }

// Partition returns the state shard with the given id.
func (s *Store) Partition(id int) *Partition { return s.partitions[id] }

// ExportImage builds a consistent point-in-time image of every
// partition. Each partition is fenced only for the duration of its own
// copy, so workers for other partitions keep running.
func (s *Store) ExportImage() *Image {
	img := &Image{
		Timestamp:  time.Now().UTC().UnixNano(),
		Partitions: make([]PartitionImage, len(s.partitions)),
	}
	for i, p := range s.partitions {
		p.mu.Lock()
		img.Partitions[i] = exportPartition(p)
		p.mu.Unlock()
	}
	img.MinAppliedSeq = img.minApplied()
	return img
}

// RestoreImage replaces every partition's state from an image. Only
// called during recovery, before any worker starts.
func (s *Store) RestoreImage(img *Image) error {
	for _, pi := range img.Partitions {
		if pi.ID < 0 || pi.ID >= len(s.partitions) {
			return errPartitionRange(pi.ID, len(s.partitions))
		}
		restorePartition(s.partitions[pi.ID], pi)
	}
	return nil
}

// Offsets merges the last applied bus offsets across all partitions,
// keeping the highest per source.
func (s *Store) Offsets() map[string]int64 {
	out := make(map[string]int64)
	for _, p := range s.partitions {
		p.mu.Lock()
		for src, off := range p.offsets {
			if cur, ok := out[src]; !ok || off > cur {
				out[src] = off
			}
		}
		p.mu.Unlock()
	}
	return out
}
