package models

import (
	"encoding/json"
	"time"
)

// Derived record subjects. Writers use these to pick the output topic
// or sink table for a record.
const (
	SubjectEnrichedTrades = "enriched_trades"
	SubjectCandles        = "candles"
	SubjectRollingMetrics = "rolling_metrics"
	SubjectPositions      = "position_overviews"
)

// DerivedRecord is the envelope every transform output travels in on the
// way to the egress writers. Key and Version let the downstream sink
// deduplicate with keep-latest-by-version semantics, so at-least-once
// re-emission is safe.
type DerivedRecord struct {
	Subject   string
	Key       string
	Version   int64
	Payload   []byte
	EmittedAt time.Time
}

// EnrichedTrade is a trade annotated with reference metadata, emitted
// once per decoded trade event.
type EnrichedTrade struct {
	TradeID     string  `json:"trade_id"`
	Token       string  `json:"token"`
	Symbol      string  `json:"symbol"`
	Decimals    int     `json:"decimals"`
	Trader      string  `json:"trader"`
	Side        string  `json:"side"`
	BaseAmount  float64 `json:"base_amount"`
	QuoteAmount float64 `json:"quote_amount"`
	QuoteUSD    float64 `json:"quote_usd"`
	Price       float64 `json:"price"`
	PriceUSD    float64 `json:"price_usd"`
	TotalFees   float64 `json:"total_fees"`
	Slot        int64   `json:"slot"`
	Timestamp   int64   `json:"timestamp"`
}

// Candle is one sealed OHLCV bucket for a (token, timeframe, window)
// triple. WindowStart is unix milliseconds aligned to the timeframe.
// Version combines the newest folded trade timestamp with a reopen
// counter, so a reopened late bucket always re-emits with a higher
// version than the seal it corrects.
type Candle struct {
	Token       string  `json:"token"`
	Timeframe   string  `json:"timeframe"`
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
	Version     int64   `json:"version"`
}

// RollingMetrics is a short rolling-window summary for one token,
// emitted on every refresh tick.
type RollingMetrics struct {
	Token          string  `json:"token"`
	Window         string  `json:"window"`
	Volume         float64 `json:"volume"`
	QuoteVolume    float64 `json:"quote_volume"`
	TradeCount     uint64  `json:"trade_count"`
	BuyCount       uint64  `json:"buy_count"`
	SellCount      uint64  `json:"sell_count"`
	OpenPrice      float64 `json:"open_price"`
	LastPrice      float64 `json:"last_price"`
	PriceChangePct float64 `json:"price_change_pct"`
	Version        int64   `json:"version"`
}

// PositionOverview is the externally visible state of one
// (trader, token) position, emitted after every update.
type PositionOverview struct {
	Trader         string  `json:"trader"`
	Token          string  `json:"token"`
	Bought         float64 `json:"bought"`
	Sold           float64 `json:"sold"`
	Received       float64 `json:"received"`
	Sent           float64 `json:"sent"`
	Holdings       float64 `json:"holdings"`
	InitialBuyQty  float64 `json:"initial_buy_qty"`
	SpentQuote     float64 `json:"spent_quote"`
	ReceivedQuote  float64 `json:"received_quote"`
	SpentUSD       float64 `json:"spent_usd"`
	ReceivedUSD    float64 `json:"received_usd"`
	AvgCostQuote   float64 `json:"avg_cost_quote"`
	RealizedQuote  float64 `json:"realized_quote"`
	RealizedUSD    float64 `json:"realized_usd"`
	FeesNetwork    float64 `json:"fees_network"`
	FeesPriority   float64 `json:"fees_priority"`
	FeesTip        float64 `json:"fees_tip"`
	FeesVenue      float64 `json:"fees_venue"`
	FeesPlatform   float64 `json:"fees_platform"`
	FeesTotal      float64 `json:"fees_total"`
	TradeCount     uint64  `json:"trade_count"`
	TransferCount  uint64  `json:"transfer_count"`
	Version        int64   `json:"version"`
}

// Encode serializes a derived payload deterministically. Struct field
// order is fixed, so encoding the same logical record twice yields
// byte-identical output for duplicate-delivery safety.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
