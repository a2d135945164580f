package reader

import (
	"sync"
)

// Tracker turns out-of-order per-event acknowledgements into
// contiguous committable offsets per bus source. An offset becomes
// committable only when every offset below it on the same source has
// been acknowledged, so a crash never skips an unprocessed event.
type Tracker struct {
	mu      sync.Mutex
	sources map[string]*sourceProgress
}

type sourceProgress struct {
	next  int64 // lowest offset not yet acknowledged
	acked map[int64]bool
}

func NewTracker() *Tracker {
	return &Tracker{sources: make(map[string]*sourceProgress)}
}

// Observe registers an offset as in flight. The first observed offset
// per source anchors the contiguity window.
func (t *Tracker) Observe(source string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.sources[source]
	if !ok {
		t.sources[source] = &sourceProgress{next: offset, acked: make(map[int64]bool)}
		return
	}
	if offset < sp.next && len(sp.acked) == 0 {
		sp.next = offset
	}
}

// Ack marks one offset processed and advances the contiguous frontier
// past any previously acknowledged successors.
func (t *Tracker) Ack(source string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.sources[source]
	if !ok {
		sp = &sourceProgress{next: offset, acked: make(map[int64]bool)}
		t.sources[source] = sp
	}
	if offset < sp.next {
		return
	}
	sp.acked[offset] = true
	for sp.acked[sp.next] {
		delete(sp.acked, sp.next)
		sp.next++
	}
}

// Committable returns, per source, the highest offset safe to commit,
// or nothing for sources with no contiguous progress yet.
func (t *Tracker) Committable() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.sources))
	for source, sp := range t.sources {
		if sp.next > 0 {
			out[source] = sp.next - 1
		}
	}
	return out
}
