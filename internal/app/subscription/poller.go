package subscription

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

// PollConfig tunes pull-mode subscriptions.
type PollConfig struct {
	// Intervals are the per data type defaults used when params name no cadence.
	Intervals      map[schema.DataType]time.Duration
	OrderBookDepth int
	TradeLimit     int
	KlineInterval  string
	// FetchAttempts bounds tries per tick; 1 disables retry.
	FetchAttempts        int
	RetryInitialInterval time.Duration
	// RateLimit caps fetches per second per exchange; 0 means unlimited.
	RateLimit float64
	RateBurst int
}

// DefaultPollConfig returns the stock poll cadence.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Intervals: map[schema.DataType]time.Duration{
			schema.DataTypeTicker:    5 * time.Second,
			schema.DataTypeOrderBook: 500 * time.Millisecond,
			schema.DataTypeTrades:    5 * time.Second,
			schema.DataTypeKlines:    60 * time.Second,
		},
		OrderBookDepth:       20,
		TradeLimit:           100,
		KlineInterval:        DefaultKlineInterval,
		FetchAttempts:        1,
		RetryInitialInterval: 200 * time.Millisecond,
	}
}

func (c PollConfig) normalize() PollConfig {
	def := DefaultPollConfig()
	intervals := make(map[schema.DataType]time.Duration, len(def.Intervals))
	for typ, d := range def.Intervals {
		intervals[typ] = d
	}
	for typ, d := range c.Intervals {
		if d > 0 {
			intervals[typ] = d
		}
	}
	c.Intervals = intervals
	if c.OrderBookDepth <= 0 {
		c.OrderBookDepth = def.OrderBookDepth
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = def.TradeLimit
	}
	if c.KlineInterval == "" {
		c.KlineInterval = def.KlineInterval
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = def.FetchAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// IntervalFor resolves the poll cadence: explicit params first, then the data type default.
func (c PollConfig) IntervalFor(key schema.Key) time.Duration {
	if d, ok := key.Params.PollInterval(); ok {
		return d
	}
	if d, ok := c.Intervals[key.Type]; ok && d > 0 {
		return d
	}
	return DefaultPollConfig().Intervals[key.Type]
}

// Handle cancels one background activity. Cancel is idempotent and synchronous:
// once it returns, the activity has stopped.
type Handle interface {
	Cancel()
}

// Poller runs one timer per pull subscription, fetching snapshots and emitting them
// through the adapter as if they were pushed.
type Poller struct {
	cfg     PollConfig
	clock   Clock
	logger  *log.Logger
	metrics *coordinatorMetrics

	mu       sync.Mutex
	handles  map[string]*pollHandle
	limiters map[string]*rate.Limiter
	stopped  bool
}

type pollHandle struct {
	id       string
	key      schema.Key
	adapter  exchange.Adapter
	interval time.Duration

	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
	owner  *Poller

	// trade ids seen on the previous tick
	seenTrades map[string]struct{}
}

// NewPoller constructs a poller. A nil clock uses the wall clock and a nil logger logs to stdout.
func NewPoller(cfg PollConfig, clock Clock, logger *log.Logger) *Poller {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "poller ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Poller{
		cfg:      cfg.normalize(),
		clock:    clock,
		logger:   logger,
		handles:  make(map[string]*pollHandle),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Config returns the normalized poll configuration.
func (p *Poller) Config() PollConfig {
	return p.cfg
}

// Start arms a poll timer for the key. The ticker exists before Start returns.
func (p *Poller) Start(ad exchange.Adapter, key schema.Key) (Handle, error) {
	if ad == nil {
		return nil, errs.New(key.Exchange, errs.CodeInvalid, errs.WithMessage("adapter required"), errs.WithKey(key.ID()))
	}
	interval := p.cfg.IntervalFor(key)
	if interval <= 0 {
		return nil, errs.New(key.Exchange, errs.CodeInvalid, errs.WithMessage("poll interval must be positive"), errs.WithKey(key.ID()))
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, errs.New(key.Exchange, errs.CodeUnavailable, errs.WithMessage("poller stopped"), errs.WithKey(key.ID()))
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &pollHandle{
		id:         uuid.NewString(),
		key:        key.Clone(),
		adapter:    ad,
		interval:   interval,
		cancel:     cancel,
		owner:      p,
		seenTrades: make(map[string]struct{}),
	}
	p.handles[h.id] = h
	limiter := p.limiterLocked(key.Exchange)
	p.mu.Unlock()

	ticker := p.clock.NewTicker(interval)
	h.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				p.safeTick(ctx, h, limiter)
			}
		}
	})
	p.logger.Printf("poller: started key=%s interval=%s", key.ID(), interval)
	return h, nil
}

// Active returns the number of running poll timers.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Stop cancels every timer and rejects further Start calls.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	handles := make([]*pollHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (p *Poller) limiterLocked(exchangeName string) *rate.Limiter {
	if p.cfg.RateLimit <= 0 {
		return nil
	}
	limiter, ok := p.limiters[exchangeName]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RateLimit), p.cfg.RateBurst)
		p.limiters[exchangeName] = limiter
	}
	return limiter
}

func (p *Poller) release(h *pollHandle) {
	p.mu.Lock()
	delete(p.handles, h.id)
	p.mu.Unlock()
}

// Cancel stops the timer and waits for an in-flight tick to finish.
func (h *pollHandle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.owner.release(h)
		h.owner.logger.Printf("poller: stopped key=%s", h.key.ID())
	})
}

// safeTick runs one tick. A panicking adapter costs that tick only; the timer keeps running.
func (p *Poller) safeTick(ctx context.Context, h *pollHandle, limiter *rate.Limiter) {
	defer func() {
		if r := recover(); r != nil {
			fault := errs.New(h.key.Exchange, errs.CodeAdapter,
				errs.WithCanonicalCode(errs.CanonicalFetchFailed),
				errs.WithOperation(telemetry.OperationPoll),
				errs.WithKey(h.key.ID()),
				errs.WithMessage(fmt.Sprintf("panic: %v", r)))
			p.logger.Printf("poller: warn: tick panicked: %v", fault)
			p.metrics.recordError(context.Background(), h.key, telemetry.OperationPoll)
		}
	}()
	p.tick(ctx, h, limiter)
}

func (p *Poller) tick(ctx context.Context, h *pollHandle, limiter *rate.Limiter) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
	started := time.Now()
	events, err := p.fetchWithRetry(ctx, h)
	if ctx.Err() != nil {
		return
	}
	p.metrics.recordFetch(ctx, h.key, time.Since(started), err)
	if err != nil {
		p.logger.Printf("poller: warn: fetch failed key=%s: %v", h.key.ID(), errs.Adapter(h.key.Exchange, telemetry.OperationPoll, h.key.ID(), err, errs.CanonicalFetchFailed))
		return
	}
	for _, evt := range events {
		// A cancel that lands mid-tick must suppress the remaining emits.
		if ctx.Err() != nil {
			return
		}
		if err := h.adapter.Emit(ctx, evt); err != nil {
			p.logger.Printf("poller: warn: emit failed key=%s: %v", h.key.ID(), err)
		}
	}
}

func (p *Poller) fetchWithRetry(ctx context.Context, h *pollHandle) ([]schema.Event, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = p.cfg.RetryInitialInterval
	backoffCfg.Reset()

	for attempt := 1; ; attempt++ {
		events, err := p.fetch(ctx, h)
		if err == nil {
			return events, nil
		}
		if attempt >= p.cfg.FetchAttempts || ctx.Err() != nil {
			return nil, err
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(sleep):
		}
	}
}

func (p *Poller) fetch(ctx context.Context, h *pollHandle) ([]schema.Event, error) {
	key := h.key
	now := p.clock.Now()
	envelope := func(typ schema.EventType, payload any) schema.Event {
		return schema.Event{
			Exchange:  h.adapter.Name(),
			Symbol:    key.Symbol,
			Type:      typ,
			Payload:   payload,
			Timestamp: now,
		}
	}

	switch key.Type {
	case schema.DataTypeTicker:
		ticker, err := h.adapter.FetchTicker(ctx, key.Symbol)
		if err != nil {
			return nil, err
		}
		return []schema.Event{envelope(schema.EventTypeTicker, ticker)}, nil
	case schema.DataTypeOrderBook:
		depth, ok := key.Params.Depth()
		if !ok {
			depth = p.cfg.OrderBookDepth
		}
		book, err := h.adapter.FetchOrderBook(ctx, key.Symbol, depth)
		if err != nil {
			return nil, err
		}
		return []schema.Event{envelope(schema.EventTypeOrderBook, book)}, nil
	case schema.DataTypeTrades:
		limit, ok := key.Params.Limit()
		if !ok {
			limit = p.cfg.TradeLimit
		}
		trades, err := h.adapter.FetchTrades(ctx, key.Symbol, limit)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(trades))
		events := make([]schema.Event, 0, len(trades))
		for _, trade := range trades {
			if trade.ID != "" {
				seen[trade.ID] = struct{}{}
				if _, dup := h.seenTrades[trade.ID]; dup {
					continue
				}
			}
			events = append(events, envelope(schema.EventTypeTrade, trade))
		}
		h.seenTrades = seen
		return events, nil
	case schema.DataTypeKlines:
		interval, ok := key.Params.KlineInterval()
		if !ok {
			interval = p.cfg.KlineInterval
		}
		klines, err := h.adapter.FetchKlines(ctx, key.Symbol, interval, 1)
		if err != nil {
			return nil, err
		}
		if len(klines) == 0 {
			return nil, nil
		}
		return []schema.Event{envelope(schema.EventTypeKline, klines[len(klines)-1])}, nil
	default:
		return nil, fmt.Errorf("poll %s: unsupported data type %q", key.ID(), key.Type)
	}
}
