package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried on the inbound bus.
const (
	EventKindTrade    = "trade"
	EventKindTransfer = "transfer"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// FeeBreakdown decomposes the cost of a single on-chain trade.
// Priority is the priority portion of the network fee and is already
// included in Network; it is reported but never summed separately.
type FeeBreakdown struct {
	Network      float64 `json:"network"`
	Priority     float64 `json:"priority"`
	ValidatorTip float64 `json:"validator_tip"`
	Venue        float64 `json:"venue"`
	Platform     float64 `json:"platform"`
}

// Total returns the full cost of the event. Priority is a subset of
// Network and is excluded from the sum.
func (f FeeBreakdown) Total() float64 {
	return f.Network + f.ValidatorTip + f.Venue + f.Platform
}

// TradeEvent is a decoded swap observed on chain. Immutable once decoded.
type TradeEvent struct {
	ID          string       `json:"id"`
	Token       string       `json:"token"`
	Trader      string       `json:"trader"`
	Side        string       `json:"side"`
	BaseAmount  float64      `json:"base_amount"`
	QuoteAmount float64      `json:"quote_amount"`
	QuoteUSD    float64      `json:"quote_usd"`
	Price       float64      `json:"price"`
	PriceUSD    float64      `json:"price_usd"`
	Fees        FeeBreakdown `json:"fees"`
	Slot        int64        `json:"slot"`
	Timestamp   int64        `json:"timestamp"` // unix milliseconds
}

// TransferEvent is a decoded token transfer between two wallets.
type TransferEvent struct {
	ID        string  `json:"id"`
	Token     string  `json:"token"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Slot      int64   `json:"slot"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// SourceOffset identifies where on the bus an event came from. It is
// carried through the engine so offsets are only committed after the
// event's derived output has been queued.
type SourceOffset struct {
	Topic     string
	Partition int
	Offset    int64
}

// Event is the routed envelope handed to a partition worker. Exactly one
// of Trade or Transfer is set, matching Kind.
type Event struct {
	Kind     string
	Trade    *TradeEvent
	Transfer *TransferEvent
	Source   SourceOffset
	Received time.Time
}

// PartitionKey returns the key the router hashes: the token for trades
// (candles and enrichment are token-scoped) and for transfers, so every
// event touching one instrument lands on the same worker.
func (e *Event) PartitionKey() string {
	switch e.Kind {
	case EventKindTrade:
		if e.Trade != nil {
			return e.Trade.Token
		}
	case EventKindTransfer:
		if e.Transfer != nil {
			return e.Transfer.Token
		}
	}
	return ""
}

// Timestamp returns the event time in unix milliseconds.
func (e *Event) Timestamp() int64 {
	switch e.Kind {
	case EventKindTrade:
		if e.Trade != nil {
			return e.Trade.Timestamp
		}
	case EventKindTransfer:
		if e.Transfer != nil {
			return e.Transfer.Timestamp
		}
	}
	return 0
}

// DecodeTrade parses and validates a trade event from its wire form.
func DecodeTrade(data []byte) (*TradeEvent, error) {
	var t TradeEvent
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("malformed trade event: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// DecodeTransfer parses and validates a transfer event from its wire form.
func DecodeTransfer(data []byte) (*TransferEvent, error) {
	var t TransferEvent
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("malformed transfer event: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate rejects trades that cannot be routed or aggregated.
func (t *TradeEvent) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade event missing id")
	}
	if t.Token == "" {
		return fmt.Errorf("trade %s missing token", t.ID)
	}
	if t.Trader == "" {
		return fmt.Errorf("trade %s missing trader", t.ID)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade %s has invalid side %q", t.ID, t.Side)
	}
	if t.BaseAmount <= 0 {
		return fmt.Errorf("trade %s has non-positive base amount", t.ID)
	}
	if t.Price < 0 || t.QuoteAmount < 0 {
		return fmt.Errorf("trade %s has negative price or value", t.ID)
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("trade %s missing timestamp", t.ID)
	}
	return nil
}

// Validate rejects transfers that cannot be routed.
func (t *TransferEvent) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transfer event missing id")
	}
	if t.Token == "" {
		return fmt.Errorf("transfer %s missing token", t.ID)
	}
	if t.From == "" && t.To == "" {
		return fmt.Errorf("transfer %s missing both counterparts", t.ID)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("transfer %s has non-positive amount", t.ID)
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("transfer %s missing timestamp", t.ID)
	}
	return nil
}
