// Package fake implements a synthetic exchange connection for local runs and tests.
package fake

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
)

var (
	_ exchange.Adapter          = (*Exchange)(nil)
	_ exchange.PushCapabilities = (*Exchange)(nil)
)

// Options configures the synthetic exchange.
type Options struct {
	Name string
	// Disconnected starts the exchange with its push transport down.
	Disconnected bool

	TickerInterval time.Duration
	TradeInterval  time.Duration
	BookInterval   time.Duration
	KlineInterval  time.Duration
	BookLevels     int

	// PushKlineIntervals restricts kline push streams; empty allows every interval.
	PushKlineIntervals []string
	// PullOnly lists data types without a push stream.
	PullOnly []schema.DataType

	Sink   exchange.Sink
	Logger *log.Logger
}

func (o Options) normalize() Options {
	o.Name = schema.NormalizeExchange(o.Name)
	if o.Name == "" {
		o.Name = "fake"
	}
	if o.TickerInterval <= 0 {
		o.TickerInterval = time.Second
	}
	if o.TradeInterval <= 0 {
		o.TradeInterval = 500 * time.Millisecond
	}
	if o.BookInterval <= 0 {
		o.BookInterval = 250 * time.Millisecond
	}
	if o.KlineInterval <= 0 {
		o.KlineInterval = 5 * time.Second
	}
	if o.BookLevels <= 0 {
		o.BookLevels = defaultBookLevels
	}
	return o
}

// Exchange is an in-process exchange that generates a random walk per symbol.
type Exchange struct {
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool

	mu     sync.Mutex
	states map[string]*symbolState
	routes map[string]*routeHandle
}

type routeHandle struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New constructs a synthetic exchange.
func New(opts Options) *Exchange {
	opts = opts.normalize()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "fake/"+opts.Name+" ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ex := &Exchange{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]*symbolState),
		routes: make(map[string]*routeHandle),
	}
	ex.connected.Store(!opts.Disconnected)
	return ex
}

// Name returns the exchange identifier.
func (e *Exchange) Name() string { return e.opts.Name }

// IsConnected reports whether the push transport is up.
func (e *Exchange) IsConnected() bool { return e.connected.Load() }

// SetConnected toggles the push transport. Running streams keep their routes but
// emit nothing while disconnected.
func (e *Exchange) SetConnected(connected bool) {
	if e.connected.Swap(connected) != connected {
		e.logger.Printf("fake: connectivity changed exchange=%s connected=%t", e.opts.Name, connected)
	}
}

// SupportsPush reports whether a push stream exists for the parameterisation.
func (e *Exchange) SupportsPush(typ schema.DataType, params schema.Params) (bool, string) {
	if slices.Contains(e.opts.PullOnly, typ) {
		return false, "no push stream for " + string(typ)
	}
	if typ == schema.DataTypeKlines && len(e.opts.PushKlineIntervals) > 0 {
		interval, ok := params.KlineInterval()
		if !ok {
			interval = "1m"
		}
		if !slices.Contains(e.opts.PushKlineIntervals, interval) {
			return false, "no push stream for kline interval " + interval
		}
	}
	return true, ""
}

// SubscribeTicker starts a ticker push stream.
func (e *Exchange) SubscribeTicker(ctx context.Context, symbol string) error {
	return e.startRoute(ctx, schema.DataTypeTicker, symbol, symbol, e.opts.TickerInterval, func(state *symbolState, now time.Time) (schema.EventType, any) {
		return schema.EventTypeTicker, state.ticker(now)
	})
}

// SubscribeOrderBook starts an order book push stream at depth.
func (e *Exchange) SubscribeOrderBook(ctx context.Context, symbol string, depth int) error {
	if depth <= 0 {
		depth = e.opts.BookLevels
	}
	return e.startRoute(ctx, schema.DataTypeOrderBook, symbol, symbol+"@"+strconv.Itoa(depth), e.opts.BookInterval, func(state *symbolState, now time.Time) (schema.EventType, any) {
		return schema.EventTypeOrderBook, state.orderBook(depth, now)
	})
}

// SubscribeTrades starts a trade push stream.
func (e *Exchange) SubscribeTrades(ctx context.Context, symbol string) error {
	return e.startRoute(ctx, schema.DataTypeTrades, symbol, symbol, e.opts.TradeInterval, func(state *symbolState, now time.Time) (schema.EventType, any) {
		return schema.EventTypeTrade, state.trade(now)
	})
}

// SubscribeKlines starts a kline push stream for interval.
func (e *Exchange) SubscribeKlines(ctx context.Context, symbol, interval string) error {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return errs.New(e.opts.Name, errs.CodeInvalid, errs.WithMessage("kline interval required"), errs.WithOperation("subscribe"))
	}
	if ok, reason := e.SupportsPush(schema.DataTypeKlines, schema.Params{schema.ParamInterval: interval}); !ok {
		return errs.New(e.opts.Name, errs.CodeInvalid, errs.WithMessage(reason), errs.WithOperation("subscribe"))
	}
	return e.startRoute(ctx, schema.DataTypeKlines, symbol, symbol+"@"+interval, e.opts.KlineInterval, func(state *symbolState, now time.Time) (schema.EventType, any) {
		return schema.EventTypeKline, state.kline(interval, now)
	})
}

// Unsubscribe stops the push stream for stream and typ.
func (e *Exchange) Unsubscribe(ctx context.Context, stream string, typ schema.DataType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := routeKey(typ, stream)
	e.mu.Lock()
	handle, ok := e.routes[key]
	if ok {
		delete(e.routes, key)
	}
	e.mu.Unlock()
	if !ok {
		return errs.New(e.opts.Name, errs.CodeNotFound, errs.WithMessage("stream not subscribed"), errs.WithOperation("unsubscribe"), errs.WithKey(key))
	}
	handle.cancel()
	handle.wg.Wait()
	e.logger.Printf("fake: stream stopped exchange=%s route=%s", e.opts.Name, key)
	return nil
}

// FetchTicker returns a ticker snapshot.
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (schema.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return schema.Ticker{}, err
	}
	return e.state(symbol).ticker(time.Now().UTC()), nil
}

// FetchOrderBook returns an order book snapshot at depth.
func (e *Exchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (schema.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return schema.OrderBook{}, err
	}
	if depth <= 0 {
		depth = e.opts.BookLevels
	}
	return e.state(symbol).orderBook(depth, time.Now().UTC()), nil
}

// FetchTrades prints one new trade and returns up to limit recent trades, oldest first.
func (e *Exchange) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := e.state(symbol)
	state.trade(time.Now().UTC())
	return state.recentTrades(limit), nil
}

// FetchKlines returns limit candles ending at the current window, oldest first.
func (e *Exchange) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	state := e.state(symbol)
	width := klineWidth(interval)
	now := time.Now().UTC()
	out := make([]schema.Kline, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		out = append(out, state.kline(interval, now.Add(-time.Duration(i)*width)))
	}
	return out, nil
}

// Emit forwards evt to the configured sink.
func (e *Exchange) Emit(ctx context.Context, evt schema.Event) error {
	if e.opts.Sink == nil {
		return nil
	}
	if evt.Exchange == "" {
		evt.Exchange = e.opts.Name
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return e.opts.Sink.Publish(ctx, evt)
}

// Streams lists the active push routes as type|stream, sorted.
func (e *Exchange) Streams() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.routes))
	for key := range e.routes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Close stops every stream.
func (e *Exchange) Close() error {
	e.cancel()
	e.mu.Lock()
	handles := make([]*routeHandle, 0, len(e.routes))
	for key, handle := range e.routes {
		handles = append(handles, handle)
		delete(e.routes, key)
	}
	e.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
		handle.wg.Wait()
	}
	return nil
}

type generator func(state *symbolState, now time.Time) (schema.EventType, any)

func (e *Exchange) startRoute(ctx context.Context, typ schema.DataType, symbol, stream string, every time.Duration, gen generator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.IsConnected() {
		return errs.New(e.opts.Name, errs.CodeUnavailable, errs.WithMessage("push transport disconnected"), errs.WithOperation("subscribe"))
	}
	if e.ctx.Err() != nil {
		return errs.New(e.opts.Name, errs.CodeUnavailable, errs.WithMessage("exchange closed"), errs.WithOperation("subscribe"))
	}
	if slices.Contains(e.opts.PullOnly, typ) {
		err := errs.NotSupported("no push stream for " + string(typ))
		err.Exchange = e.opts.Name
		err.Operation = "subscribe"
		return err
	}

	key := routeKey(typ, stream)
	e.mu.Lock()
	if _, exists := e.routes[key]; exists {
		e.mu.Unlock()
		return nil
	}
	routeCtx, cancel := context.WithCancel(e.ctx)
	handle := &routeHandle{cancel: cancel}
	e.routes[key] = handle
	e.mu.Unlock()

	state := e.state(symbol)
	handle.wg.Go(func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-routeCtx.Done():
				return
			case now := <-ticker.C:
				if !e.IsConnected() {
					continue
				}
				evtType, payload := gen(state, now.UTC())
				evt := schema.Event{Exchange: e.opts.Name, Symbol: symbol, Type: evtType, Payload: payload, Timestamp: now.UTC()}
				if err := e.Emit(routeCtx, evt); err != nil && routeCtx.Err() == nil {
					e.logger.Printf("fake: warn: emit failed route=%s: %v", key, err)
				}
			}
		}
	})
	e.logger.Printf("fake: stream started exchange=%s route=%s every=%s", e.opts.Name, key, every)
	return nil
}

func (e *Exchange) state(symbol string) *symbolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[symbol]
	if !ok {
		state = newSymbolState(symbol)
		e.states[symbol] = state
	}
	return state
}

func routeKey(typ schema.DataType, stream string) string {
	return string(typ) + "|" + stream
}
