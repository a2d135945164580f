// Package position maintains per (trader, token) holdings with a
// weighted-average cost basis and running realized profit and loss.
package position

import (
	"chainflow/models"
)

// Key identifies one position.
type Key struct {
	Trader string `json:"trader"`
	Token  string `json:"token"`
}

// State is the cumulative position for one (trader, token) pair. All
// quantities are in base token units; values are tracked in the quote
// denomination and in USD. Updated by exactly one partition worker, so
// no internal locking.
type State struct {
	Bought        float64 `json:"bought"`
	Sold          float64 `json:"sold"`
	Received      float64 `json:"received"`
	Sent          float64 `json:"sent"`
	InitialBuyQty float64 `json:"initial_buy_qty"`

	SpentQuote    float64 `json:"spent_quote"`
	ReceivedQuote float64 `json:"received_quote"`
	SpentUSD      float64 `json:"spent_usd"`
	ReceivedUSD   float64 `json:"received_usd"`

	RealizedQuote float64 `json:"realized_quote"`
	RealizedUSD   float64 `json:"realized_usd"`

	FeesNetwork  float64 `json:"fees_network"`
	FeesPriority float64 `json:"fees_priority"`
	FeesTip      float64 `json:"fees_tip"`
	FeesVenue    float64 `json:"fees_venue"`
	FeesPlatform float64 `json:"fees_platform"`
	FeesTotal    float64 `json:"fees_total"`

	TradeCount    uint64 `json:"trade_count"`
	TransferCount uint64 `json:"transfer_count"`
	EventCount    uint64 `json:"event_count"`
	LastTimestamp int64  `json:"last_timestamp"`
}

// Holdings returns the current balance. Upstream data can drive this
// negative (e.g. a sell observed before the funding buy); callers that
// care must check, the engine only counts it.
func (s *State) Holdings() float64 {
	return s.Bought - s.Sold + s.Received - s.Sent
}

// AvgCostQuote is the weighted-average cost per unit in the quote
// denomination, zero while nothing has been bought.
func (s *State) AvgCostQuote() float64 {
	if s.Bought == 0 {
		return 0
	}
	return s.SpentQuote / s.Bought
}

func (s *State) avgCostUSD() float64 {
	if s.Bought == 0 {
		return 0
	}
	return s.SpentUSD / s.Bought
}

// ApplyTrade folds one trade into the position. Buys extend the cost
// basis; sells realize PnL against the weighted-average cost. Fee
// totals accumulate on every trade independent of PnL.
func (s *State) ApplyTrade(t *models.TradeEvent) {
	switch t.Side {
	case models.SideBuy:
		if s.Bought == 0 {
			s.InitialBuyQty = t.BaseAmount
		}
		s.Bought += t.BaseAmount
		s.SpentQuote += t.QuoteAmount
		s.SpentUSD += t.QuoteUSD
	case models.SideSell:
		s.Sold += t.BaseAmount
		s.ReceivedQuote += t.QuoteAmount
		s.ReceivedUSD += t.QuoteUSD
		s.recomputeRealized()
	}

	s.FeesNetwork += t.Fees.Network
	s.FeesPriority += t.Fees.Priority
	s.FeesTip += t.Fees.ValidatorTip
	s.FeesVenue += t.Fees.Venue
	s.FeesPlatform += t.Fees.Platform
	s.FeesTotal += t.Fees.Total()

	s.TradeCount++
	s.EventCount++
	if t.Timestamp > s.LastTimestamp {
		s.LastTimestamp = t.Timestamp
	}
}

// recomputeRealized applies the weighted-average cost formulas. A fully
// closed position realizes the difference of the lifetime totals; a
// partially closed one values the sold quantity at average cost.
// Transferred-away tokens keep their cost basis, so "fully closed" is
// judged on the overall balance.
func (s *State) recomputeRealized() {
	if s.Holdings() == 0 {
		s.RealizedQuote = s.ReceivedQuote - s.SpentQuote
		s.RealizedUSD = s.ReceivedUSD - s.SpentUSD
		return
	}
	s.RealizedQuote = s.ReceivedQuote - s.AvgCostQuote()*s.Sold
	s.RealizedUSD = s.ReceivedUSD - s.avgCostUSD()*s.Sold
}

// ApplyTransferIn credits received quantity. Cost basis and realized
// PnL are untouched: transferred tokens retain their original basis.
func (s *State) ApplyTransferIn(t *models.TransferEvent) {
	s.Received += t.Amount
	s.TransferCount++
	s.EventCount++
	if t.Timestamp > s.LastTimestamp {
		s.LastTimestamp = t.Timestamp
	}
}

// ApplyTransferOut debits sent quantity, leaving basis and PnL alone.
func (s *State) ApplyTransferOut(t *models.TransferEvent) {
	s.Sent += t.Amount
	s.TransferCount++
	s.EventCount++
	if t.Timestamp > s.LastTimestamp {
		s.LastTimestamp = t.Timestamp
	}
}

// Overview projects the position into its emitted form. Version is the
// applied-event count, which is replay-stable and strictly increasing
// per key.
func (s *State) Overview(key Key) models.PositionOverview {
	return models.PositionOverview{
		Trader:        key.Trader,
		Token:         key.Token,
		Bought:        s.Bought,
		Sold:          s.Sold,
		Received:      s.Received,
		Sent:          s.Sent,
		Holdings:      s.Holdings(),
		InitialBuyQty: s.InitialBuyQty,
		SpentQuote:    s.SpentQuote,
		ReceivedQuote: s.ReceivedQuote,
		SpentUSD:      s.SpentUSD,
		ReceivedUSD:   s.ReceivedUSD,
		AvgCostQuote:  s.AvgCostQuote(),
		RealizedQuote: s.RealizedQuote,
		RealizedUSD:   s.RealizedUSD,
		FeesNetwork:   s.FeesNetwork,
		FeesPriority:  s.FeesPriority,
		FeesTip:       s.FeesTip,
		FeesVenue:     s.FeesVenue,
		FeesPlatform:  s.FeesPlatform,
		FeesTotal:     s.FeesTotal,
		TradeCount:    s.TradeCount,
		TransferCount: s.TransferCount,
		Version:       int64(s.EventCount),
	}
}

// Book is the keyed collection of positions owned by one partition.
type Book struct {
	positions map[Key]*State
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[Key]*State)}
}

// Get returns the position for a key when it exists.
func (b *Book) Get(key Key) (*State, bool) {
	s, ok := b.positions[key]
	return s, ok
}

// GetOrCreate returns the position for a key, creating it lazily on
// first reference.
func (b *Book) GetOrCreate(key Key) *State {
	if s, ok := b.positions[key]; ok {
		return s
	}
	s := &State{}
	b.positions[key] = s
	return s
}

// Len returns the number of tracked positions.
func (b *Book) Len() int {
	return len(b.positions)
}

// Range calls fn for every position in the book.
func (b *Book) Range(fn func(Key, *State) bool) {
	for k, s := range b.positions {
		if !fn(k, s) {
			return
		}
	}
}

// Restore replaces the book contents from a snapshot image.
func (b *Book) Restore(positions map[Key]*State) {
	b.positions = make(map[Key]*State, len(positions))
	for k, s := range positions {
		copied := *s
		b.positions[k] = &copied
	}
}

// Export copies the book for a snapshot image.
func (b *Book) Export() map[Key]*State {
	out := make(map[Key]*State, len(b.positions))
	for k, s := range b.positions {
		copied := *s
		out[k] = &copied
	}
	return out
}
