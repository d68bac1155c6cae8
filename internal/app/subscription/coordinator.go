// Package subscription shares market data subscriptions between strategies. One
// exchange subscription (or poll timer) exists per distinct data need and is torn
// down when the last strategy holding it leaves.
package subscription

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

const (
	defaultTeardownTimeout  = 10 * time.Second
	defaultClearConcurrency = 8
)

// Config configures a Coordinator.
type Config struct {
	Poll   PollConfig
	Quirks map[string]ExchangeQuirks
	// TeardownTimeout bounds each remote unsubscribe call.
	TeardownTimeout time.Duration
	// ClearConcurrency bounds parallel teardowns during Clear.
	ClearConcurrency int
}

// Stats summarises live subscriptions.
type Stats = RegistryStats

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for poll timers and timestamps.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Coordinator is the subscription facade used by strategy management.
type Coordinator struct {
	cfg     Config
	logger  *log.Logger
	clock   Clock
	metrics *coordinatorMetrics

	selector  *Selector
	poller    *Poller
	registry  *Registry
	observers *Observers
	locks     *keyLocks
	streams   *streamShares

	// lifecycle is held shared by Subscribe and exclusively by Close, so no
	// subscription can be created behind a closing coordinator.
	lifecycle sync.RWMutex
	closed    bool
}

// NewCoordinator wires a coordinator and its collaborators.
func NewCoordinator(cfg Config, opts ...Option) *Coordinator {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.ClearConcurrency <= 0 {
		cfg.ClearConcurrency = defaultClearConcurrency
	}
	c := &Coordinator{
		cfg:   cfg,
		clock: SystemClock{},
		locks:   newKeyLocks(),
		streams: newStreamShares(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "coordinator ", log.LstdFlags|log.Lmicroseconds)
	}
	c.metrics = newCoordinatorMetrics()
	c.selector = NewSelector(cfg.Quirks)
	c.poller = NewPoller(cfg.Poll, c.clock, c.logger)
	c.poller.metrics = c.metrics
	c.registry = NewRegistry(c.clock)
	c.observers = newObservers(c.logger, c.metrics)
	return c
}

// Subscribe registers strategy's need for the data. The first holder of a key causes
// the exchange subscription (push) or a poll timer (pull); later holders share it.
// An auto hint defers to a method param when one is present.
func (c *Coordinator) Subscribe(ctx context.Context, strategy string, ad exchange.Adapter, symbol string, typ schema.DataType, params schema.Params, hint schema.Method) error {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if c.closed {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("coordinator closed"))
	}

	strategy = strings.TrimSpace(strategy)
	if strategy == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("strategy name required"))
	}
	if ad == nil {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if hint == "" || hint == schema.MethodAuto {
		hint = schema.MethodAuto
		if fromParams, ok := params.Method(); ok {
			hint = fromParams
		}
	}
	key, err := schema.NewKey(ad.Name(), symbol, typ, params)
	if err != nil {
		return err
	}
	id := key.ID()

	unlock := c.locks.Lock(id)
	defer unlock()

	if c.registry.Has(id) {
		info, _ := c.registry.Subscribe(strategy, key, "", 0, Resources{})
		c.logger.Printf("coordinator: joined key=%s strategy=%s refs=%d method=%s", id, strategy, info.RefCount, info.Method)
		return nil
	}

	decision := c.selector.Decide(ad, hint, key.Type, key.Params)
	if decision.Forced {
		c.logger.Printf("coordinator: method forced to %s key=%s hint=%s reason=%q", decision.Method, id, hint, decision.Reason)
		c.metrics.recordForced(ctx, key)
	}

	res := Resources{Adapter: ad}
	var interval time.Duration
	switch decision.Method {
	case schema.MethodPull:
		handle, err := c.poller.Start(ad, key)
		if err != nil {
			return c.failSubscribe(ctx, key, err)
		}
		res.Handle = handle
		interval = c.poller.Config().IntervalFor(key)
	default:
		stream := c.stream(key)
		shared, err := c.streams.acquire(streamID(key.Exchange, key.Type, stream), func() error {
			return c.pushSubscribe(ctx, ad, key)
		})
		if err != nil {
			return c.failSubscribe(ctx, key, errs.Adapter(key.Exchange, telemetry.OperationSubscribe, id, err, errs.CanonicalSubscribeFailed))
		}
		if shared {
			c.logger.Printf("coordinator: stream already open key=%s stream=%s", id, stream)
		}
		res.Stream = stream
	}

	info, _ := c.registry.Subscribe(strategy, key, decision.Method, interval, res)
	c.metrics.recordCreated(ctx, key, decision.Method)
	c.logger.Printf("coordinator: created key=%s strategy=%s method=%s", id, strategy, info.Method)
	c.observers.created(key, decision.Method)
	return nil
}

func (c *Coordinator) failSubscribe(ctx context.Context, key schema.Key, err error) error {
	c.metrics.recordError(ctx, key, telemetry.OperationSubscribe)
	c.logger.Printf("coordinator: subscribe failed key=%s: %v", key.ID(), err)
	c.observers.failed(key, err)
	return err
}

func (c *Coordinator) pushSubscribe(ctx context.Context, ad exchange.Adapter, key schema.Key) error {
	switch key.Type {
	case schema.DataTypeTicker:
		return ad.SubscribeTicker(ctx, key.Symbol)
	case schema.DataTypeOrderBook:
		return ad.SubscribeOrderBook(ctx, key.Symbol, c.bookDepth(key))
	case schema.DataTypeTrades:
		return ad.SubscribeTrades(ctx, key.Symbol)
	case schema.DataTypeKlines:
		return ad.SubscribeKlines(ctx, key.Symbol, c.klineInterval(key))
	default:
		return fmt.Errorf("unsupported data type %q", key.Type)
	}
}

func (c *Coordinator) klineInterval(key schema.Key) string {
	if interval, ok := key.Params.KlineInterval(); ok {
		return interval
	}
	return c.poller.Config().KlineInterval
}

func (c *Coordinator) bookDepth(key schema.Key) int {
	if depth, ok := key.Params.Depth(); ok {
		return depth
	}
	return c.poller.Config().OrderBookDepth
}

// stream is the exchange-side target of a push subscription: symbol@interval for
// klines, symbol@depth for order books and the bare symbol otherwise.
func (c *Coordinator) stream(key schema.Key) string {
	switch key.Type {
	case schema.DataTypeKlines:
		return key.Symbol + "@" + c.klineInterval(key)
	case schema.DataTypeOrderBook:
		return key.Symbol + "@" + strconv.Itoa(c.bookDepth(key))
	default:
		return key.Symbol
	}
}

// Unsubscribe releases strategy's hold on the data. It never fails: unknown keys and
// strategies that do not hold the key are logged and ignored.
func (c *Coordinator) Unsubscribe(ctx context.Context, strategy, exchangeName, symbol string, typ schema.DataType, params schema.Params) {
	key, err := schema.NewKey(exchangeName, symbol, typ, params)
	if err != nil {
		c.logger.Printf("coordinator: warn: unsubscribe ignored for invalid request: %v", err)
		return
	}
	c.UnsubscribeKey(ctx, strategy, key)
}

// UnsubscribeKey is Unsubscribe for a prebuilt key.
func (c *Coordinator) UnsubscribeKey(ctx context.Context, strategy string, key schema.Key) {
	strategy = strings.TrimSpace(strategy)
	id := key.ID()

	unlock := c.locks.Lock(id)
	defer unlock()

	rel := c.registry.Unsubscribe(strategy, id)
	switch {
	case !rel.Found:
		c.logger.Printf("coordinator: warn: unsubscribe from non-existent subscription key=%s strategy=%s", id, strategy)
		return
	case !rel.Member:
		c.logger.Printf("coordinator: warn: strategy %s does not hold key=%s; refs=%d unchanged", strategy, id, rel.Info.RefCount)
		return
	case !rel.Removed:
		c.logger.Printf("coordinator: released key=%s strategy=%s refs=%d", id, strategy, rel.Info.RefCount)
		return
	}
	c.teardown(ctx, rel)
}

// teardown releases the resources of a removed entry. The exchange stream is closed
// only when no other live entry maps onto it. Remote failures are reported but never
// resurrect the entry; OnRemoved fires exactly once.
func (c *Coordinator) teardown(ctx context.Context, rel Release) {
	key := rel.Info.Key
	if rel.Resources.Handle != nil {
		rel.Resources.Handle.Cancel()
	}
	if rel.Info.Method == schema.MethodPush && rel.Resources.Adapter != nil {
		stream := rel.Resources.Stream
		remaining, err := c.streams.release(streamID(key.Exchange, key.Type, stream), func() error {
			teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
			defer cancel()
			return rel.Resources.Adapter.Unsubscribe(teardownCtx, stream, key.Type)
		})
		if remaining > 0 {
			c.logger.Printf("coordinator: stream kept open key=%s stream=%s holders=%d", key.ID(), stream, remaining)
		}
		if err != nil {
			wrapped := errs.Adapter(key.Exchange, telemetry.OperationTeardown, key.ID(), err, errs.CanonicalTeardownFailed)
			c.metrics.recordError(ctx, key, telemetry.OperationTeardown)
			c.logger.Printf("coordinator: warn: remote unsubscribe failed, entry removed anyway key=%s: %v", key.ID(), wrapped)
			c.observers.failed(key, wrapped)
		}
	}
	c.metrics.recordRemoved(ctx, key, rel.Info.Method)
	c.logger.Printf("coordinator: removed key=%s method=%s", key.ID(), rel.Info.Method)
	c.observers.removed(key)
}

// Clear tears down every subscription. Safe on an empty coordinator and safe to repeat.
func (c *Coordinator) Clear(ctx context.Context) {
	ids := c.registry.IDs()
	if len(ids) == 0 {
		return
	}
	p := concpool.New().WithMaxGoroutines(c.cfg.ClearConcurrency)
	for _, id := range ids {
		p.Go(func() {
			unlock := c.locks.Lock(id)
			defer unlock()
			rel, ok := c.registry.Evict(id)
			if !ok {
				return
			}
			c.teardown(ctx, rel)
		})
	}
	p.Wait()
	c.logger.Printf("coordinator: cleared %d subscriptions", len(ids))
}

// Close rejects new subscriptions, clears existing ones and stops the poller.
func (c *Coordinator) Close(ctx context.Context) {
	c.lifecycle.Lock()
	c.closed = true
	c.lifecycle.Unlock()
	c.Clear(ctx)
	c.poller.Stop()
}

// StrategySubscriptions returns snapshots of the subscriptions held by strategy.
func (c *Coordinator) StrategySubscriptions(strategy string) []Info {
	return c.registry.ByStrategy(strings.TrimSpace(strategy))
}

// AllSubscriptions returns snapshots of every live subscription.
func (c *Coordinator) AllSubscriptions() []Info {
	return c.registry.All()
}

// HasSubscription reports whether a live subscription exists for key.
func (c *Coordinator) HasSubscription(key schema.Key) bool {
	return c.registry.Has(key.ID())
}

// Subscription returns the snapshot for key.
func (c *Coordinator) Subscription(key schema.Key) (Info, bool) {
	return c.registry.Get(key.ID())
}

// Stats aggregates live subscriptions.
func (c *Coordinator) Stats() Stats {
	return c.registry.Stats()
}

// AddObserver registers a lifecycle observer.
func (c *Coordinator) AddObserver(observer Observer) ObserverID {
	return c.observers.Add(observer)
}

// RemoveObserver unregisters observer.
func (c *Coordinator) RemoveObserver(observer Observer) bool {
	return c.observers.Remove(observer)
}

// RemoveObserverByID unregisters the registration returned by AddObserver.
func (c *Coordinator) RemoveObserverByID(id ObserverID) bool {
	return c.observers.RemoveID(id)
}

// ActivePollers returns the number of running poll timers.
func (c *Coordinator) ActivePollers() int {
	return c.poller.Active()
}
