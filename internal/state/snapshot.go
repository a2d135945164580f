package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"chainflow/internal/position"
	"chainflow/internal/rolling"
	"chainflow/internal/window"
)

const snapshotFile = "snapshot.json"

// PositionEntry flattens one trader/token position for the snapshot.
// Entries are sorted so two snapshots of identical state are
// byte-identical.
type PositionEntry struct {
	Trader string         `json:"trader"`
	Token  string         `json:"token"`
	State  position.State `json:"state"`
}

// RollingEntry carries one token's rolling samples in the snapshot.
type RollingEntry struct {
	Token   string           `json:"token"`
	Samples []rolling.Sample `json:"samples"`
}

// PartitionImage is the durable form of one partition's state. Sealed
// window retention is deliberately not captured; after recovery, late
// arrivals for pre-crash windows fall to the drop path.
type PartitionImage struct {
	ID         int              `json:"id"`
	AppliedSeq uint64           `json:"applied_seq"`
	Positions  []PositionEntry  `json:"positions"`
	Buckets    []*window.Bucket `json:"buckets"`
	Rolling    []RollingEntry   `json:"rolling"`
	Offsets    map[string]int64 `json:"offsets"`
}

// Image is a point-in-time image of the whole store, tagged with the
// WAL sequence each partition had folded in at export time.
type Image struct {
	Timestamp     int64            `json:"timestamp"`
	MinAppliedSeq uint64           `json:"min_applied_seq"`
	Partitions    []PartitionImage `json:"partitions"`
}

func (img *Image) minApplied() uint64 {
	var min uint64
	for i, p := range img.Partitions {
		if i == 0 || p.AppliedSeq < min {
			min = p.AppliedSeq
		}
	}
	return min
}

func exportPartition(p *Partition) PartitionImage {
	pi := PartitionImage{
		ID:         p.ID,
		AppliedSeq: p.appliedSeq,
		Offsets:    make(map[string]int64, len(p.offsets)),
	}
	for src, off := range p.offsets {
		pi.Offsets[src] = off
	}

	for key, st := range p.positions.Export() {
		pi.Positions = append(pi.Positions, PositionEntry{
			Trader: key.Trader,
			Token:  key.Token,
			State:  *st,
		})
	}
	sort.Slice(pi.Positions, func(i, j int) bool {
		a, b := pi.Positions[i], pi.Positions[j]
		if a.Trader != b.Trader {
			return a.Trader < b.Trader
		}
		return a.Token < b.Token
	})

	pi.Buckets = p.windows.Export()
	sort.Slice(pi.Buckets, func(i, j int) bool {
		a, b := pi.Buckets[i], pi.Buckets[j]
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		return a.WindowStart < b.WindowStart
	})

	for token, samples := range p.rolling.Export() {
		pi.Rolling = append(pi.Rolling, RollingEntry{Token: token, Samples: samples})
	}
	sort.Slice(pi.Rolling, func(i, j int) bool {
		return pi.Rolling[i].Token < pi.Rolling[j].Token
	})
	return pi
}

func restorePartition(p *Partition, pi PartitionImage) {
	positions := make(map[position.Key]*position.State, len(pi.Positions))
	for _, e := range pi.Positions {
		st := e.State
		positions[position.Key{Trader: e.Trader, Token: e.Token}] = &st
	}
	p.positions.Restore(positions)
	p.windows.Restore(pi.Buckets)
	samples := make(map[string][]rolling.Sample, len(pi.Rolling))
	for _, e := range pi.Rolling {
		samples[e.Token] = e.Samples
	}
	p.rolling.Restore(samples)
	p.offsets = make(map[string]int64, len(pi.Offsets))
	for src, off := range pi.Offsets {
		p.offsets[src] = off
	}
	p.appliedSeq = pi.AppliedSeq
}

func errPartitionRange(id, n int) error {
	return fmt.Errorf("snapshot partition %d out of range, store has %d", id, n)
}

// WriteImage persists an image atomically: write to a temp file in the
// same directory, fsync, then rename over the previous snapshot.
func WriteImage(dir string, img *Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, snapshotFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// ReadImage loads the current snapshot. A missing file means a cold
// start and returns (nil, nil); a file that exists but does not parse
// is a hard error, the operator must intervene rather than silently
// rebuild from nothing.
func ReadImage(dir string) (*Image, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("snapshot corrupt: %w", err)
	}
	return &img, nil
}
