package eventbus

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/domain/schema"
)

func newTestBus(t *testing.T, cfg MemoryConfig) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(cfg)
	bus.SetLogger(log.New(io.Discard, "", 0))
	t.Cleanup(bus.Close)
	return bus
}

func tickerEvent(symbol string) schema.Event {
	return schema.Event{
		Exchange:  "binance",
		Symbol:    symbol,
		Type:      schema.EventTypeTicker,
		Payload:   schema.Ticker{Symbol: symbol, Last: decimal.NewFromInt(10)},
		Timestamp: time.Now(),
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{BufferSize: 10})
	require.NoError(t, bus.Publish(context.Background(), tickerEvent("BTC/USDT")))
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{BufferSize: 10})
	err := bus.Publish(context.Background(), schema.Event{Symbol: "BTC/USDT"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	ctx := context.Background()

	idA, chA, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	require.NoError(t, err)
	_, chB, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	require.NoError(t, err)
	_, trades, err := bus.Subscribe(ctx, schema.EventTypeTrade)
	require.NoError(t, err)
	require.Equal(t, 2, bus.Subscribers(schema.EventTypeTicker))

	require.NoError(t, bus.Publish(ctx, tickerEvent("BTC/USDT")))

	for _, ch := range []<-chan schema.Event{chA, chB} {
		select {
		case evt := <-ch:
			require.Equal(t, "BTC/USDT", evt.Symbol)
			require.Equal(t, schema.EventTypeTicker, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	select {
	case <-trades:
		t.Fatal("trade subscriber must not receive ticker events")
	default:
	}

	bus.Unsubscribe(idA)
	_, open := <-chA
	require.False(t, open)
	require.Equal(t, 1, bus.Subscribers(schema.EventTypeTicker))
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{BufferSize: 2})
	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeTicker)
	require.NoError(t, err)

	for _, symbol := range []string{"A/USDT", "B/USDT", "C/USDT"} {
		require.NoError(t, bus.Publish(ctx, tickerEvent(symbol)))
	}

	first := <-ch
	second := <-ch
	require.Equal(t, "B/USDT", first.Symbol)
	require.Equal(t, "C/USDT", second.Symbol)
}

func TestMemoryBusClonesOrderBooksPerSubscriber(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{BufferSize: 4})
	ctx := context.Background()
	_, chA, err := bus.Subscribe(ctx, schema.EventTypeOrderBook)
	require.NoError(t, err)
	_, chB, err := bus.Subscribe(ctx, schema.EventTypeOrderBook)
	require.NoError(t, err)

	book := schema.OrderBook{Symbol: "BTC/USDT", Bids: []schema.PriceLevel{{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(2)}}}
	require.NoError(t, bus.Publish(ctx, schema.Event{Exchange: "binance", Symbol: "BTC/USDT", Type: schema.EventTypeOrderBook, Payload: book}))

	a := (<-chA).Payload.(schema.OrderBook)
	b := (<-chB).Payload.(schema.OrderBook)
	a.Bids[0].Price = decimal.NewFromInt(99)
	require.True(t, b.Bids[0].Price.Equal(decimal.NewFromInt(1)))
	require.True(t, book.Bids[0].Price.Equal(decimal.NewFromInt(1)))
}

func TestMemoryBusContextCancelClosesSubscription(t *testing.T) {
	bus := newTestBus(t, MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeKline)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, bus.Subscribers(schema.EventTypeKline))
}

func TestMemoryBusCloseRejectsFurtherUse(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background(), schema.EventTypeTrade)
	require.NoError(t, err)

	bus.Close()
	bus.Close()
	_, open := <-ch
	require.False(t, open)

	err = bus.Publish(context.Background(), tickerEvent("BTC/USDT"))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	_, _, err = bus.Subscribe(context.Background(), schema.EventTypeTrade)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}
