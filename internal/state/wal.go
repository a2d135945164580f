package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chainflow/logger"
)

const (
	walPrefix = "wal-"
	walSuffix = ".log"
)

// Record is one durable log entry: the raw source event plus the
// routing and offset metadata needed to re-apply it after a crash.
type Record struct {
	Seq       uint64          `json:"seq"`
	Partition int             `json:"partition"`
	Kind      string          `json:"kind"`
	Source    string          `json:"source"` // "topic/partition" on the bus
	Offset    int64           `json:"offset"`
	Payload   json.RawMessage `json:"payload"`
}

// WAL is the append-only durable log. Appends go through a bounded
// channel drained by a single writer goroutine; when the channel is
// full the caller blocks, which backpressures the partition workers
// instead of dropping durability.
type WAL struct {
	dir           string
	flushInterval time.Duration
	log           *logger.Entry

	ch     chan Record
	seq    atomic.Uint64
	synced atomic.Int64 // bytes written to the active segment

	mu      sync.Mutex
	file    *os.File
	bw      *bufio.Writer
	segSeq  uint64 // first seq the active segment may contain
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// OpenWAL creates the log directory if needed and opens a fresh
// segment starting after the highest seq found on disk.
func OpenWAL(dir string, buffer int, flushInterval time.Duration, log *logger.Log) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	w := &WAL{
		dir:           dir,
		flushInterval: flushInterval,
		log:           log.WithComponent("wal"),
		ch:            make(chan Record, buffer),
	}
	last, err := lastSeqOnDisk(dir)
	if err != nil {
		return nil, err
	}
	w.seq.Store(last)
	if err := w.openSegment(last + 1); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the writer goroutine.
func (w *WAL) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
}

// Append assigns the next sequence number and queues the record.
// Safe for concurrent use; blocks when the durable tier lags.
func (w *WAL) Append(rec Record) uint64 {
	rec.Seq = w.seq.Add(1)
	w.ch <- rec
	return rec.Seq
}

// LastSeq returns the highest sequence number handed out so far.
func (w *WAL) LastSeq() uint64 { return w.seq.Load() }

// SegmentBytes returns bytes written to the active segment, used by
// the checkpoint manager as a size trigger.
func (w *WAL) SegmentBytes() int64 { return w.synced.Load() }

// Occupancy reports queued and capacity of the append channel.
func (w *WAL) Occupancy() (int, int) { return len(w.ch), cap(w.ch) }

func (w *WAL) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.ch:
			if err := w.write(rec); err != nil {
				w.log.WithError(err).WithFields(logger.Fields{"seq": rec.Seq}).Error("wal write failed")
			}
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.log.WithError(err).Error("wal flush failed")
			}
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *WAL) drain() {
	for {
		select {
		case rec := <-w.ch:
			if err := w.write(rec); err != nil {
				w.log.WithError(err).WithFields(logger.Fields{"seq": rec.Seq}).Error("wal write failed during drain")
			}
		default:
			if err := w.Flush(); err != nil {
				w.log.WithError(err).Error("wal final flush failed")
			}
			return
		}
	}
}

func (w *WAL) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return fmt.Errorf("wal segment closed")
	}
	n, err := w.bw.Write(append(data, '\n'))
	w.synced.Add(int64(n))
	return err
}

// Flush pushes buffered records through to the OS and fsyncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Rotate opens a new segment and removes every older segment fully
// covered by coveredSeq. Called after a successful checkpoint.
func (w *WAL) Rotate(coveredSeq uint64) error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.closeSegmentLocked(); err != nil {
		return err
	}
	if err := w.openSegmentLocked(w.seq.Load() + 1); err != nil {
		return err
	}
	return pruneSegments(w.dir, coveredSeq)
}

// Stop drains outstanding appends and closes the active segment.
func (w *WAL) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeSegmentLocked()
}

func (w *WAL) openSegment(firstSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openSegmentLocked(firstSeq)
}

func (w *WAL) openSegmentLocked(firstSeq uint64) error {
	path := filepath.Join(w.dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.segSeq = firstSeq
	w.synced.Store(0)
	return nil
}

func (w *WAL) closeSegmentLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	w.bw = nil
	return err
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s%016d%s", walPrefix, firstSeq, walSuffix)
}

func segmentSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, walPrefix) || !strings.HasSuffix(name, walSuffix) {
		return 0, false
	}
	var seq uint64
	_, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, walPrefix), walSuffix), "%d", &seq)
	return seq, err == nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if _, ok := segmentSeq(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func lastSeqOnDisk(dir string) (uint64, error) {
	var last uint64
	err := ReplayDir(dir, func(rec Record) error {
		if rec.Seq > last {
			last = rec.Seq
		}
		return nil
	})
	return last, err
}

// pruneSegments deletes every segment whose entire seq range is at or
// below coveredSeq. The active segment always starts above the live
// seq, so it is never a candidate.
func pruneSegments(dir string, coveredSeq uint64) error {
	names, err := listSegments(dir)
	if err != nil {
		return err
	}
	for i, name := range names {
		first, _ := segmentSeq(name)
		// A segment is covered when the next segment starts at or
		// below coveredSeq+1, meaning this one holds nothing newer.
		if i+1 >= len(names) {
			break
		}
		next, _ := segmentSeq(names[i+1])
		if first > coveredSeq || next > coveredSeq+1 {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune wal segment %s: %w", name, err)
		}
	}
	return nil
}

// ReplayDir streams every record in the log directory in segment order
// and calls fn for each. A torn final line, the mark of a crash mid
// append, is skipped rather than treated as corruption.
func ReplayDir(dir string, fn func(Record) error) error {
	names, err := listSegments(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := replaySegment(filepath.Join(dir, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var pendingErr error
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Remember and only fail if more lines follow; a bad
			// last line is a torn write.
			pendingErr = fmt.Errorf("wal record corrupt in %s: %w", filepath.Base(path), err)
			continue
		}
		if pendingErr != nil {
			return pendingErr
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
