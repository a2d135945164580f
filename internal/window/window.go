// Package window maintains tumbling OHLCV buckets per (token, timeframe)
// and seals them into candles when a window boundary is crossed.
package window

import (
	"fmt"
	"time"

	"chainflow/models"
)

// Timeframe is a named tumbling window width.
type Timeframe struct {
	Name   string
	Millis int64
}

// timeframes spans sub-second to weekly.
var timeframes = []Timeframe{
	{"500ms", 500},
	{"1s", 1_000},
	{"5s", 5_000},
	{"15s", 15_000},
	{"30s", 30_000},
	{"1m", 60_000},
	{"5m", 300_000},
	{"15m", 900_000},
	{"30m", 1_800_000},
	{"1h", 3_600_000},
	{"4h", 14_400_000},
	{"12h", 43_200_000},
	{"1d", 86_400_000},
	{"3d", 259_200_000},
	{"1w", 604_800_000},
}

// AllTimeframes lists every supported timeframe name in ascending order.
func AllTimeframes() []string {
	names := make([]string, len(timeframes))
	for i, tf := range timeframes {
		names[i] = tf.Name
	}
	return names
}

// ParseTimeframe resolves a timeframe name.
func ParseTimeframe(name string) (Timeframe, error) {
	for _, tf := range timeframes {
		if tf.Name == name {
			return tf, nil
		}
	}
	return Timeframe{}, fmt.Errorf("unknown timeframe %q", name)
}

// Bucket is one open tumbling window for a (token, timeframe) pair.
type Bucket struct {
	Token       string  `json:"token"`
	Timeframe   string  `json:"timeframe"`
	Millis      int64   `json:"millis"`
	WindowStart int64   `json:"window_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	TradeCount  uint64  `json:"trade_count"`
	BuyCount    uint64  `json:"buy_count"`
	SellCount   uint64  `json:"sell_count"`
	LastEventTs int64   `json:"last_event_ts"`
	Reseals     uint64  `json:"reseals,omitempty"`
}

func newBucket(token string, tf Timeframe, windowStart int64, t *models.TradeEvent) *Bucket {
	b := &Bucket{
		Token:       token,
		Timeframe:   tf.Name,
		Millis:      tf.Millis,
		WindowStart: windowStart,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
	}
	b.fold(t)
	return b
}

// fold adds one trade to the bucket. The first trade of a window sets
// the open price via newBucket; here close always takes the latest
// price (last write wins inside the window).
func (b *Bucket) fold(t *models.TradeEvent) {
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.BaseAmount
	b.QuoteVolume += t.QuoteAmount
	b.TradeCount++
	switch t.Side {
	case models.SideBuy:
		b.BuyCount++
	case models.SideSell:
		b.SellCount++
	}
	if t.Timestamp > b.LastEventTs {
		b.LastEventTs = t.Timestamp
	}
}

// Candle projects the bucket into its emitted form. The projection is a
// pure function of bucket contents, so sealing the same bucket twice
// yields identical records.
func (b *Bucket) Candle() models.Candle {
	return models.Candle{
		Token:       b.Token,
		Timeframe:   b.Timeframe,
		WindowStart: b.WindowStart,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		QuoteVolume: b.QuoteVolume,
		TradeCount:  b.TradeCount,
		BuyCount:    b.BuyCount,
		SellCount:   b.SellCount,
		Version:     b.LastEventTs + int64(b.Reseals),
	}
}

type bucketKey struct {
	Token     string
	Timeframe string
}

type sealedKey struct {
	Token       string
	Timeframe   string
	WindowStart int64
}

type sealedEntry struct {
	bucket   *Bucket
	sealedAt time.Time
}

// Manager owns every open bucket for one partition. Sealed buckets are
// retained for the lateness tolerance so an out-of-order event can
// reopen its window and re-emit with a higher version; beyond that the
// event is dropped and counted.
type Manager struct {
	tfs           []Timeframe
	lateTolerance time.Duration
	open          map[bucketKey]*Bucket
	sealed        map[sealedKey]*sealedEntry
	lateDrops     uint64
	now           func() time.Time
}

// NewManager builds a manager for the given timeframe names. An empty
// list enables every supported timeframe.
func NewManager(names []string, lateTolerance time.Duration) (*Manager, error) {
	tfs := timeframes
	if len(names) > 0 {
		tfs = make([]Timeframe, 0, len(names))
		for _, name := range names {
			tf, err := ParseTimeframe(name)
			if err != nil {
				return nil, err
			}
			tfs = append(tfs, tf)
		}
	}
	return &Manager{
		tfs:           tfs,
		lateTolerance: lateTolerance,
		open:          make(map[bucketKey]*Bucket),
		sealed:        make(map[sealedKey]*sealedEntry),
		now:           time.Now,
	}, nil
}

// WindowStart aligns a timestamp down to the window containing it.
func WindowStart(ts, millis int64) int64 {
	return ts / millis * millis
}

// Apply folds one trade into every configured timeframe and returns the
// candles sealed by it: buckets whose boundary the event crossed, plus
// re-emissions of reopened late windows.
func (m *Manager) Apply(t *models.TradeEvent) []models.Candle {
	var out []models.Candle
	for _, tf := range m.tfs {
		start := WindowStart(t.Timestamp, tf.Millis)
		key := bucketKey{Token: t.Token, Timeframe: tf.Name}

		cur, ok := m.open[key]
		if !ok {
			m.open[key] = newBucket(t.Token, tf, start, t)
			continue
		}

		switch {
		case start == cur.WindowStart:
			cur.fold(t)
		case start > cur.WindowStart:
			out = append(out, m.seal(cur))
			m.open[key] = newBucket(t.Token, tf, start, t)
		default:
			if c, ok := m.foldLate(t, tf, start); ok {
				out = append(out, c)
			} else {
				m.lateDrops++
			}
		}
	}
	return out
}

// foldLate routes an out-of-order event to its historical bucket when
// that bucket is still within the lateness tolerance.
func (m *Manager) foldLate(t *models.TradeEvent, tf Timeframe, start int64) (models.Candle, bool) {
	if m.lateTolerance <= 0 {
		return models.Candle{}, false
	}
	key := sealedKey{Token: t.Token, Timeframe: tf.Name, WindowStart: start}
	entry, ok := m.sealed[key]
	if !ok || m.now().Sub(entry.sealedAt) > m.lateTolerance {
		return models.Candle{}, false
	}
	// LastEventTs alone cannot version the re-emission: a late trade is
	// usually older than the bucket's latest in-window trade. The reseal
	// counter makes every reopen strictly outrank the earlier seal.
	entry.bucket.Reseals++
	entry.bucket.fold(t)
	return entry.bucket.Candle(), true
}

func (m *Manager) seal(b *Bucket) models.Candle {
	if m.lateTolerance > 0 {
		key := sealedKey{Token: b.Token, Timeframe: b.Timeframe, WindowStart: b.WindowStart}
		m.sealed[key] = &sealedEntry{bucket: b, sealedAt: m.now()}
	}
	return b.Candle()
}

// FlushIdle seals every open bucket whose window has ended by the given
// wall-clock time, so a quiet key does not hold its last window open
// indefinitely. It also prunes the sealed retention map.
func (m *Manager) FlushIdle(now time.Time) []models.Candle {
	nowMs := now.UnixMilli()
	var out []models.Candle
	for key, b := range m.open {
		if b.WindowStart+b.Millis <= nowMs {
			out = append(out, m.seal(b))
			delete(m.open, key)
		}
	}
	for key, entry := range m.sealed {
		if now.Sub(entry.sealedAt) > m.lateTolerance {
			delete(m.sealed, key)
		}
	}
	return out
}

// LateDrops returns how many events were dropped for arriving outside
// the lateness tolerance.
func (m *Manager) LateDrops() uint64 {
	return m.lateDrops
}

// OpenBuckets returns the number of currently open buckets.
func (m *Manager) OpenBuckets() int {
	return len(m.open)
}

// Export copies the open buckets for a checkpoint image. Sealed
// retention is deliberately not persisted: after recovery a late event
// for a pre-checkpoint window is dropped and counted.
func (m *Manager) Export() []*Bucket {
	out := make([]*Bucket, 0, len(m.open))
	for _, b := range m.open {
		copied := *b
		out = append(out, &copied)
	}
	return out
}

// Restore replaces the open buckets from a checkpoint image.
func (m *Manager) Restore(buckets []*Bucket) {
	m.open = make(map[bucketKey]*Bucket, len(buckets))
	for _, b := range buckets {
		copied := *b
		m.open[bucketKey{Token: b.Token, Timeframe: b.Timeframe}] = &copied
	}
}
