// Package exchange defines the exchange connection contract consumed by the coordinator.
package exchange

import (
	"context"

	"github.com/coachpo/subhub/internal/domain/schema"
)

// Adapter is a connection to one exchange. Push subscriptions make the connection emit
// updates on its own; pull fetches return snapshots the caller re-injects through Emit.
type Adapter interface {
	Name() string
	IsConnected() bool

	SubscribeTicker(ctx context.Context, symbol string) error
	SubscribeOrderBook(ctx context.Context, symbol string, depth int) error
	SubscribeTrades(ctx context.Context, symbol string) error
	SubscribeKlines(ctx context.Context, symbol, interval string) error
	// Unsubscribe stops a push stream. stream is symbol@interval for klines,
	// symbol@depth for order books and the bare symbol otherwise.
	Unsubscribe(ctx context.Context, stream string, typ schema.DataType) error

	FetchTicker(ctx context.Context, symbol string) (schema.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (schema.OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error)

	// Emit publishes an event to every listener of the connection.
	Emit(ctx context.Context, evt schema.Event) error
}

// PushCapabilities is implemented by adapters that know which push streams they cannot serve.
type PushCapabilities interface {
	// SupportsPush reports whether a push stream exists for the parameterisation;
	// when it does not, reason explains why for operators.
	SupportsPush(typ schema.DataType, params schema.Params) (ok bool, reason string)
}

// Sink receives events emitted by an exchange connection.
type Sink interface {
	Publish(ctx context.Context, evt schema.Event) error
}
