// Package schema defines subscription identity, market data payloads and event envelopes.
package schema

import (
	"strings"

	"github.com/coachpo/subhub/errs"
)

// DataType identifies the market data stream a subscription delivers.
type DataType string

const (
	// DataTypeTicker designates best bid/ask and last price summaries.
	DataTypeTicker DataType = "ticker"
	// DataTypeOrderBook designates order book depth snapshots.
	DataTypeOrderBook DataType = "orderbook"
	// DataTypeTrades designates public trade prints.
	DataTypeTrades DataType = "trades"
	// DataTypeKlines designates candlesticks.
	DataTypeKlines DataType = "klines"
)

// DataTypes lists every supported data type in a stable order.
var DataTypes = []DataType{DataTypeTicker, DataTypeOrderBook, DataTypeTrades, DataTypeKlines}

var (
	dataTypeAliases = map[string]DataType{
		"ticker":     DataTypeTicker,
		"tickers":    DataTypeTicker,
		"orderbook":  DataTypeOrderBook,
		"order_book": DataTypeOrderBook,
		"book":       DataTypeOrderBook,
		"depth":      DataTypeOrderBook,
		"trades":     DataTypeTrades,
		"trade":      DataTypeTrades,
		"klines":     DataTypeKlines,
		"kline":      DataTypeKlines,
		"candles":    DataTypeKlines,
		"ohlcv":      DataTypeKlines,
	}
	dataTypeToEvent = map[DataType]EventType{
		DataTypeTicker:    EventTypeTicker,
		DataTypeOrderBook: EventTypeOrderBook,
		DataTypeTrades:    EventTypeTrade,
		DataTypeKlines:    EventTypeKline,
	}
)

// ParseDataType resolves a data type name, accepting common aliases.
func ParseDataType(raw string) (DataType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if typ, ok := dataTypeAliases[normalized]; ok {
		return typ, nil
	}
	return "", errs.New("schema/data-type", errs.CodeInvalid, errs.WithMessage("unsupported data type "+strings.TrimSpace(raw)))
}

// Validate ensures the data type is one of the supported streams.
func (t DataType) Validate() error {
	if _, ok := dataTypeToEvent[t]; ok {
		return nil
	}
	return errs.New("schema/data-type", errs.CodeInvalid, errs.WithMessage("unsupported data type "+string(t)))
}

// EventType returns the event emitted for updates of this data type.
func (t DataType) EventType() EventType {
	return dataTypeToEvent[t]
}

// Method is the delivery method of a subscription.
type Method string

const (
	// MethodPush delivers updates over the exchange's persistent stream.
	MethodPush Method = "push"
	// MethodPull polls snapshots and re-emits them as if pushed.
	MethodPull Method = "pull"
	// MethodAuto lets the coordinator pick push or pull from connectivity.
	MethodAuto Method = "auto"
)

// ParseMethod resolves a delivery method hint; empty input means auto.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(MethodAuto):
		return MethodAuto, nil
	case string(MethodPush), "ws", "websocket", "stream":
		return MethodPush, nil
	case string(MethodPull), "poll", "rest":
		return MethodPull, nil
	default:
		return "", errs.New("schema/method", errs.CodeInvalid, errs.WithMessage("unsupported delivery method "+strings.TrimSpace(raw)))
	}
}
