// Package rolling computes short rolling-window trade summaries per
// token, refreshed on a tick rather than per event.
package rolling

import (
	"fmt"

	"chainflow/models"
)

// Window is a named rolling lookback.
type Window struct {
	Name   string
	Millis int64
}

var supported = []Window{
	{"5m", 300_000},
	{"1h", 3_600_000},
	{"6h", 21_600_000},
	{"24h", 86_400_000},
}

// ParseWindow resolves a rolling window name.
func ParseWindow(name string) (Window, error) {
	for _, w := range supported {
		if w.Name == name {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("unknown rolling window %q", name)
}

// AllWindows lists the supported rolling window names.
func AllWindows() []string {
	names := make([]string, len(supported))
	for i, w := range supported {
		names[i] = w.Name
	}
	return names
}

type sample struct {
	ts    int64
	base  float64
	quote float64
	price float64
	buy   bool
}

// Sample is the durable form of one buffered trade. Rolling windows
// reach back up to 24h, far past what the log tail covers after a
// checkpoint, so samples ride along in the checkpoint image.
type Sample struct {
	Ts    int64   `json:"ts"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
	Price float64 `json:"price"`
	Buy   bool    `json:"buy,omitempty"`
}

// Tracker buffers recent trades per token and summarizes them over the
// configured windows. Samples older than the widest window are pruned
// as new trades arrive. Owned by one partition worker.
type Tracker struct {
	windows []Window
	maxAge  int64
	samples map[string][]sample
}

// NewTracker builds a tracker. An empty name list enables every
// supported window.
func NewTracker(names []string) (*Tracker, error) {
	windows := supported
	if len(names) > 0 {
		windows = make([]Window, 0, len(names))
		for _, name := range names {
			w, err := ParseWindow(name)
			if err != nil {
				return nil, err
			}
			windows = append(windows, w)
		}
	}
	var maxAge int64
	for _, w := range windows {
		if w.Millis > maxAge {
			maxAge = w.Millis
		}
	}
	return &Tracker{
		windows: windows,
		maxAge:  maxAge,
		samples: make(map[string][]sample),
	}, nil
}

// Observe buffers one trade.
func (t *Tracker) Observe(tr *models.TradeEvent) {
	buf := append(t.samples[tr.Token], sample{
		ts:    tr.Timestamp,
		base:  tr.BaseAmount,
		quote: tr.QuoteAmount,
		price: tr.Price,
		buy:   tr.Side == models.SideBuy,
	})
	t.samples[tr.Token] = t.prune(buf, tr.Timestamp)
}

func (t *Tracker) prune(buf []sample, now int64) []sample {
	cutoff := now - t.maxAge
	idx := 0
	for idx < len(buf) && buf[idx].ts < cutoff {
		idx++
	}
	if idx == 0 {
		return buf
	}
	return append(buf[:0], buf[idx:]...)
}

// Snapshot summarizes one token across all windows as of the given
// time. The refresh tick's timestamp doubles as the record version, so
// successive emissions for a key are strictly ordered.
func (t *Tracker) Snapshot(token string, now int64) []models.RollingMetrics {
	buf, ok := t.samples[token]
	if !ok {
		return nil
	}
	out := make([]models.RollingMetrics, 0, len(t.windows))
	for _, w := range t.windows {
		cutoff := now - w.Millis
		m := models.RollingMetrics{Token: token, Window: w.Name, Version: now}
		first := true
		for _, s := range buf {
			if s.ts < cutoff || s.ts > now {
				continue
			}
			if first {
				m.OpenPrice = s.price
				first = false
			}
			m.LastPrice = s.price
			m.Volume += s.base
			m.QuoteVolume += s.quote
			m.TradeCount++
			if s.buy {
				m.BuyCount++
			} else {
				m.SellCount++
			}
		}
		if m.OpenPrice != 0 {
			m.PriceChangePct = (m.LastPrice - m.OpenPrice) / m.OpenPrice * 100
		}
		out = append(out, m)
	}
	return out
}

// SnapshotAll summarizes every tracked token.
func (t *Tracker) SnapshotAll(now int64) []models.RollingMetrics {
	var out []models.RollingMetrics
	for token := range t.samples {
		out = append(out, t.Snapshot(token, now)...)
	}
	return out
}

// Tokens returns the number of tokens with buffered samples.
func (t *Tracker) Tokens() int {
	return len(t.samples)
}

// Export copies every buffered sample for a checkpoint image.
func (t *Tracker) Export() map[string][]Sample {
	out := make(map[string][]Sample, len(t.samples))
	for token, buf := range t.samples {
		copied := make([]Sample, len(buf))
		for i, s := range buf {
			copied[i] = Sample{Ts: s.ts, Base: s.base, Quote: s.quote, Price: s.price, Buy: s.buy}
		}
		out[token] = copied
	}
	return out
}

// Restore replaces the buffered samples from a checkpoint image.
func (t *Tracker) Restore(samples map[string][]Sample) {
	t.samples = make(map[string][]sample, len(samples))
	for token, buf := range samples {
		copied := make([]sample, len(buf))
		for i, s := range buf {
			copied[i] = sample{ts: s.Ts, base: s.Base, quote: s.Quote, price: s.Price, buy: s.Buy}
		}
		t.samples[token] = copied
	}
}
