package subscription

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

type coordinatorMetrics struct {
	environment string

	active         metric.Int64UpDownCounter
	created        metric.Int64Counter
	removed        metric.Int64Counter
	errors         metric.Int64Counter
	forced         metric.Int64Counter
	pollFetches    metric.Int64Counter
	pollFailures   metric.Int64Counter
	fetchDuration  metric.Float64Histogram
	observerFaults metric.Int64Counter
}

func newCoordinatorMetrics() *coordinatorMetrics {
	meter := otel.Meter("subscription.coordinator")
	m := &coordinatorMetrics{environment: telemetry.Environment()}

	m.active, _ = meter.Int64UpDownCounter("subscriptions.active",
		metric.WithDescription("Live shared subscriptions"),
		metric.WithUnit("{subscription}"))
	m.created, _ = meter.Int64Counter("subscriptions.created",
		metric.WithDescription("Subscriptions created on first demand"),
		metric.WithUnit("{subscription}"))
	m.removed, _ = meter.Int64Counter("subscriptions.removed",
		metric.WithDescription("Subscriptions torn down after the last holder left"),
		metric.WithUnit("{subscription}"))
	m.errors, _ = meter.Int64Counter("subscriptions.errors",
		metric.WithDescription("Exchange failures while subscribing or tearing down"),
		metric.WithUnit("{error}"))
	m.forced, _ = meter.Int64Counter("subscriptions.method.forced",
		metric.WithDescription("Requests forced onto pull by exchange push gaps"),
		metric.WithUnit("{decision}"))
	m.pollFetches, _ = meter.Int64Counter("poll.fetches",
		metric.WithDescription("Snapshot fetches performed by poll timers"),
		metric.WithUnit("{fetch}"))
	m.pollFailures, _ = meter.Int64Counter("poll.failures",
		metric.WithDescription("Poll ticks that failed to fetch or emit"),
		metric.WithUnit("{fetch}"))
	m.fetchDuration, _ = meter.Float64Histogram("poll.fetch.duration",
		metric.WithDescription("Latency of snapshot fetches"),
		metric.WithUnit("ms"))
	m.observerFaults, _ = meter.Int64Counter("observer.faults",
		metric.WithDescription("Observer callbacks that panicked"),
		metric.WithUnit("{fault}"))
	return m
}

func (m *coordinatorMetrics) keyAttrs(key schema.Key, method schema.Method) metric.MeasurementOption {
	return metric.WithAttributes(telemetry.SubscriptionAttributes(m.environment, key.Exchange, string(key.Type), string(method))...)
}

func (m *coordinatorMetrics) recordCreated(ctx context.Context, key schema.Key, method schema.Method) {
	if m == nil {
		return
	}
	attrs := m.keyAttrs(key, method)
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
	if m.created != nil {
		m.created.Add(ctx, 1, attrs)
	}
}

func (m *coordinatorMetrics) recordRemoved(ctx context.Context, key schema.Key, method schema.Method) {
	if m == nil {
		return
	}
	attrs := m.keyAttrs(key, method)
	if m.active != nil {
		m.active.Add(ctx, -1, attrs)
	}
	if m.removed != nil {
		m.removed.Add(ctx, 1, attrs)
	}
}

func (m *coordinatorMetrics) recordError(ctx context.Context, key schema.Key, operation string) {
	if m == nil || m.errors == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(m.environment, key.Exchange, operation, telemetry.ResultError)...))
}

func (m *coordinatorMetrics) recordForced(ctx context.Context, key schema.Key) {
	if m == nil || m.forced == nil {
		return
	}
	m.forced.Add(ctx, 1, m.keyAttrs(key, schema.MethodPull))
}

func (m *coordinatorMetrics) recordFetch(ctx context.Context, key schema.Key, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(append(
		telemetry.SubscriptionAttributes(m.environment, key.Exchange, string(key.Type), string(schema.MethodPull)),
		telemetry.AttrResult.String(result))...)
	if m.pollFetches != nil {
		m.pollFetches.Add(ctx, 1, attrs)
	}
	if err != nil && m.pollFailures != nil {
		m.pollFailures.Add(ctx, 1, attrs)
	}
	if m.fetchDuration != nil {
		m.fetchDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
}

func (m *coordinatorMetrics) recordObserverFault(ctx context.Context, kind string) {
	if m == nil || m.observerFaults == nil {
		return
	}
	m.observerFaults.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(m.environment),
		telemetry.AttrOperation.String(kind)))
}
