package state

import (
	"fmt"
	"time"

	"chainflow/logger"
)

// RecoverResult summarizes what a startup recovery restored.
type RecoverResult struct {
	SnapshotFound bool
	Replayed      int
	Skipped       int
	Offsets       map[string]int64
	Elapsed       time.Duration
}

// Recover rebuilds the in-memory tier at startup: restore the latest
// snapshot, then replay the WAL tail past each partition's applied
// seq through applyFn. A missing snapshot is a cold start; a corrupt
// one, or blowing the time budget, aborts startup.
func Recover(store *Store, dir string, budget time.Duration, applyFn func(Record) error, log *logger.Log) (*RecoverResult, error) {
	start := time.Now()
	entry := log.WithComponent("recover")
	res := &RecoverResult{}

	img, err := ReadImage(dir)
	if err != nil {
		return nil, err
	}
	applied := make([]uint64, store.Partitions())
	if img != nil {
		if err := store.RestoreImage(img); err != nil {
			return nil, err
		}
		res.SnapshotFound = true
		for _, pi := range img.Partitions {
			applied[pi.ID] = pi.AppliedSeq
		}
		entry.WithFields(logger.Fields{
			"snapshot_ts": img.Timestamp,
			"covered_seq": img.MinAppliedSeq,
		}).Info("snapshot restored")
	} else {
		entry.Info("no snapshot found, cold start")
	}

	deadline := start.Add(budget)
	err = ReplayDir(dir, func(rec Record) error {
		if budget > 0 && time.Now().After(deadline) {
			return fmt.Errorf("recovery exceeded %s budget after %d records", budget, res.Replayed)
		}
		if rec.Partition < 0 || rec.Partition >= len(applied) {
			return fmt.Errorf("wal record seq %d references partition %d, store has %d", rec.Seq, rec.Partition, len(applied))
		}
		if rec.Seq <= applied[rec.Partition] {
			res.Skipped++
			return nil
		}
		if err := applyFn(rec); err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		res.Replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Offsets = store.Offsets()
	res.Elapsed = time.Since(start)
	entry.WithFields(logger.Fields{
		"replayed":    res.Replayed,
		"skipped":     res.Skipped,
		"duration_ms": res.Elapsed.Milliseconds(),
	}).Info("recovery complete")
	return res, nil
}
