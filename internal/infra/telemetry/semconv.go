// Package telemetry provides semantic conventions and OpenTelemetry setup for subhub.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for subhub telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters with the emitted market data event (ticker, trade, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrExchange identifies which exchange connection produced the signal.
	AttrExchange = attribute.Key("exchange")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTC/USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrDataType labels subscription metrics with the subscribed stream kind.
	AttrDataType = attribute.Key("subscription.data_type")
	// AttrMethod labels subscription metrics with the delivery method (push, pull).
	AttrMethod = attribute.Key("subscription.method")
	// AttrOperation differentiates coordinator operations (subscribe, teardown, poll).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// Operation values.
const (
	OperationSubscribe   = "subscribe"
	OperationUnsubscribe = "unsubscribe"
	OperationTeardown    = "teardown"
	OperationPoll        = "poll"
	OperationEmit        = "emit"
	OperationNotify      = "notify"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SubscriptionAttributes returns common attributes for subscription lifecycle metrics.
func SubscriptionAttributes(environment, exchange, dataType, method string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrDataType.String(dataType),
	}
	if method != "" {
		attrs = append(attrs, AttrMethod.String(method))
	}
	return attrs
}

// EventAttributes returns common attributes for event bus metrics.
func EventAttributes(environment, eventType, exchange, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrExchange.String(exchange),
		AttrSymbol.String(symbol),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, exchange, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
