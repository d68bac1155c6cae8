package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-memory implementation of the data bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Event
	// sendMu orders delivery against close so a send never hits a closed channel.
	sendMu sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed data bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[schema.EventType]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// SetLogger overrides the bus logger.
func (b *MemoryBus) SetLogger(logger *log.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Publish fan-outs the event to all subscribers of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), evt.Exchange, "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(string(evt.Type)))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	eventAttrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Exchange, evt.Symbol)...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subscribers)), eventAttrs)
	}
	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		if b.deliveryErrorCounter != nil {
			b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.ErrorAttributes(telemetry.Environment(), "dispatch_failed", string(evt.Type))...))
		}
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, eventAttrs)
	}
	return nil
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
// The channel is closed on Unsubscribe, on context cancellation, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan schema.Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			b.removeLocked(typ, id)
			b.mu.Unlock()
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		var subs []*subscriber
		for typ, byID := range b.subscribers {
			for id, sub := range byID {
				subs = append(subs, sub)
				b.removeLocked(typ, id)
			}
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

// Subscribers returns the number of live subscriptions for typ.
func (b *MemoryBus) Subscribers(typ schema.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[typ])
}

func (b *MemoryBus) removeLocked(typ schema.EventType, id SubscriptionID) {
	subs := b.subscribers[typ]
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, typ)
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	if stored, ok := b.subscribers[typ][id]; ok && stored == sub {
		b.removeLocked(typ, id)
	}
	b.mu.Unlock()
	sub.close()
}

// deliver hands the event to one subscriber, dropping its oldest buffered event
// when the buffer is full.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	b.logger.Printf("eventbus: subscriber buffer full; dropped oldest event type=%s exchange=%s symbol=%s", evt.Type, evt.Exchange, evt.Symbol)
	if b.deliveryBlockedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Exchange, evt.Symbol)
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

// dispatch delivers a private copy of the event to every subscriber.
func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt schema.Event) error {
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		clone := cloneEvent(evt)
		p.Go(func() error {
			return b.deliver(ctx, sub, clone)
		})
	}
	return p.Wait()
}

// cloneEvent copies mutable payloads so subscribers cannot observe each other's edits.
func cloneEvent(evt schema.Event) schema.Event {
	switch payload := evt.Payload.(type) {
	case schema.OrderBook:
		evt.Payload = payload.Clone()
	case *schema.OrderBook:
		if payload != nil {
			cloned := payload.Clone()
			evt.Payload = &cloned
		}
	}
	return evt
}

func (s *subscriber) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
