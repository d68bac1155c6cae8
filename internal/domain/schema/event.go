package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names the event an exchange emits for a market data update.
type EventType string

const (
	// EventTypeTicker carries a Ticker payload.
	EventTypeTicker EventType = "ticker"
	// EventTypeOrderBook carries an OrderBook payload.
	EventTypeOrderBook EventType = "orderbook"
	// EventTypeTrade carries a Trade payload.
	EventTypeTrade EventType = "trade"
	// EventTypeKline carries a Kline payload.
	EventTypeKline EventType = "kline"
)

// Event is the envelope exchanges emit to downstream consumers. Polled snapshots are
// re-emitted in the same envelope so consumers cannot tell push from pull.
type Event struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticker summarises the top of book and last trade.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is one order book level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	// TradeSideBuy marks a buyer-initiated trade.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell marks a seller-initiated trade.
	TradeSideSell TradeSide = "sell"
)

// Trade is a public trade print.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      TradeSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Kline is one candlestick.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
}

// Clone copies the order book so callers may mutate levels independently.
func (b OrderBook) Clone() OrderBook {
	cloned := b
	if len(b.Bids) > 0 {
		cloned.Bids = append([]PriceLevel(nil), b.Bids...)
	}
	if len(b.Asks) > 0 {
		cloned.Asks = append([]PriceLevel(nil), b.Asks...)
	}
	return cloned
}
