package subscription

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
)

var errStub = errors.New("stub exchange failure")

// manualClock is a Clock driven by Advance.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

type manualTicker struct {
	mu      sync.Mutex
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves time forward and fires every due ticker at most once.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*manualTicker(nil), c.tickers...)
	pending := c.waiters[:0:0]
	var due []manualWaiter
	for _, w := range c.waiters {
		if now.Before(w.at) {
			pending = append(pending, w)
			continue
		}
		due = append(due, w)
	}
	c.waiters = pending
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
	for _, t := range tickers {
		t.fire(now)
	}
}

func (t *manualTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
	select {
	case t.ch <- now:
	default:
	}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// stubAdapter records every exchange call.
type stubAdapter struct {
	name      string
	connected atomic.Bool

	mu             sync.Mutex
	subscribes     []string
	depths         []int
	intervals      []string
	unsubscribes   []string
	subscribeErr   error
	unsubscribeErr error
	fetchErrs      []error
	fetchPanics    []any
	gates          map[string]chan struct{}
	tradeBatches   [][]schema.Trade
	klines         []schema.Kline
	emitted        []schema.Event

	fetches atomic.Int64
}

var _ exchange.Adapter = (*stubAdapter)(nil)

func newStubAdapter(name string, connected bool) *stubAdapter {
	ad := &stubAdapter{name: name, gates: make(map[string]chan struct{})}
	ad.connected.Store(connected)
	return ad
}

func (s *stubAdapter) Name() string      { return s.name }
func (s *stubAdapter) IsConnected() bool { return s.connected.Load() }

func (s *stubAdapter) subscribe(ctx context.Context, kind, symbol string) error {
	s.mu.Lock()
	gate := s.gates[symbol]
	err := s.subscribeErr
	s.subscribes = append(s.subscribes, kind+":"+symbol)
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *stubAdapter) SubscribeTicker(ctx context.Context, symbol string) error {
	return s.subscribe(ctx, "ticker", symbol)
}

func (s *stubAdapter) SubscribeOrderBook(ctx context.Context, symbol string, depth int) error {
	s.mu.Lock()
	s.depths = append(s.depths, depth)
	s.mu.Unlock()
	return s.subscribe(ctx, "orderbook", symbol)
}

func (s *stubAdapter) SubscribeTrades(ctx context.Context, symbol string) error {
	return s.subscribe(ctx, "trades", symbol)
}

func (s *stubAdapter) SubscribeKlines(ctx context.Context, symbol, interval string) error {
	s.mu.Lock()
	s.intervals = append(s.intervals, interval)
	s.mu.Unlock()
	return s.subscribe(ctx, "klines", symbol)
}

func (s *stubAdapter) Unsubscribe(_ context.Context, stream string, typ schema.DataType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes = append(s.unsubscribes, string(typ)+":"+stream)
	return s.unsubscribeErr
}

func (s *stubAdapter) nextFetchErr() error {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fetchPanics) > 0 {
		fault := s.fetchPanics[0]
		s.fetchPanics = s.fetchPanics[1:]
		panic(fault)
	}
	if len(s.fetchErrs) == 0 {
		return nil
	}
	err := s.fetchErrs[0]
	s.fetchErrs = s.fetchErrs[1:]
	return err
}

func (s *stubAdapter) FetchTicker(_ context.Context, symbol string) (schema.Ticker, error) {
	if err := s.nextFetchErr(); err != nil {
		return schema.Ticker{}, err
	}
	return schema.Ticker{Symbol: symbol, Last: decimal.NewFromInt(100)}, nil
}

func (s *stubAdapter) FetchOrderBook(_ context.Context, symbol string, depth int) (schema.OrderBook, error) {
	s.mu.Lock()
	s.depths = append(s.depths, depth)
	s.mu.Unlock()
	if err := s.nextFetchErr(); err != nil {
		return schema.OrderBook{}, err
	}
	return schema.OrderBook{Symbol: symbol}, nil
}

func (s *stubAdapter) FetchTrades(_ context.Context, symbol string, _ int) ([]schema.Trade, error) {
	if err := s.nextFetchErr(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tradeBatches) == 0 {
		return nil, nil
	}
	batch := s.tradeBatches[0]
	if len(s.tradeBatches) > 1 {
		s.tradeBatches = s.tradeBatches[1:]
	}
	return batch, nil
}

func (s *stubAdapter) FetchKlines(_ context.Context, symbol, interval string, _ int) ([]schema.Kline, error) {
	s.mu.Lock()
	s.intervals = append(s.intervals, interval)
	klines := append([]schema.Kline(nil), s.klines...)
	s.mu.Unlock()
	if err := s.nextFetchErr(); err != nil {
		return nil, err
	}
	return klines, nil
}

func (s *stubAdapter) Emit(_ context.Context, evt schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, evt)
	return nil
}

func (s *stubAdapter) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribes)
}

func (s *stubAdapter) unsubscribeCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribes...)
}

func (s *stubAdapter) events() []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Event(nil), s.emitted...)
}

func (s *stubAdapter) setGate(symbol string, gate chan struct{}) {
	s.mu.Lock()
	s.gates[symbol] = gate
	s.mu.Unlock()
}

// gappedAdapter advertises push gaps through PushCapabilities.
type gappedAdapter struct {
	*stubAdapter
	noPush schema.DataType
}

func (g gappedAdapter) SupportsPush(typ schema.DataType, _ schema.Params) (bool, string) {
	if typ == g.noPush {
		return false, "no stream"
	}
	return true, ""
}

// recordingObserver counts lifecycle events per key id.
type recordingObserver struct {
	mu      sync.Mutex
	created map[string]schema.Method
	removed map[string]int
	errors  map[string][]error
	order   []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		created: make(map[string]schema.Method),
		removed: make(map[string]int),
		errors:  make(map[string][]error),
	}
}

func (r *recordingObserver) OnCreated(key schema.Key, method schema.Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[key.ID()] = method
	r.order = append(r.order, "created:"+key.ID())
}

func (r *recordingObserver) OnRemoved(key schema.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[key.ID()]++
	r.order = append(r.order, "removed:"+key.ID())
}

func (r *recordingObserver) OnError(key schema.Key, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[key.ID()] = append(r.errors[key.ID()], err)
	r.order = append(r.order, "error:"+key.ID())
}

func (r *recordingObserver) removedCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed[id]
}

func (r *recordingObserver) errorsFor(id string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors[id]...)
}

func (r *recordingObserver) createdMethod(id string) (schema.Method, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.created[id]
	return m, ok
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *manualClock) {
	t.Helper()
	clock := newManualClock()
	coord := NewCoordinator(cfg, WithClock(clock), WithLogger(quietLogger()))
	t.Cleanup(func() { coord.Close(context.Background()) })
	return coord, clock
}

func mustKey(t *testing.T, exchangeName, symbol string, typ schema.DataType, params schema.Params) schema.Key {
	t.Helper()
	key, err := schema.NewKey(exchangeName, symbol, typ, params)
	require.NoError(t, err)
	return key
}
