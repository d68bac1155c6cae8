package fake

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/subhub/internal/domain/schema"
)

const defaultBookLevels = 20

// symbolState is the synthetic market for one symbol. Prices follow a bounded
// sinusoidal walk so output is deterministic for a given sequence.
type symbolState struct {
	mu        sync.Mutex
	symbol    string
	basePrice float64
	lastPrice float64
	volume    float64
	seq       uint64
	trades    []schema.Trade
}

type bookLevel struct {
	price    float64
	quantity float64
}

func newSymbolState(symbol string) *symbolState {
	base := defaultBasePrice(symbol)
	return &symbolState{symbol: symbol, basePrice: base, lastPrice: base, volume: 1000}
}

func defaultBasePrice(symbol string) float64 {
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		return 60000
	case strings.HasPrefix(symbol, "ETH"):
		return 2000
	case strings.HasPrefix(symbol, "SOL"):
		return 150
	default:
		return 100
	}
}

// step advances the walk and returns the new price. Caller holds mu.
func (s *symbolState) step() float64 {
	s.seq++
	price := s.lastPrice + 0.75*math.Sin(float64(s.seq%13))
	if price <= 0 {
		price = s.basePrice
	}
	s.lastPrice = price
	return price
}

func (s *symbolState) ticker(ts time.Time) schema.Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()
	price := s.step()
	s.volume += 25 + float64(s.seq%50)
	return schema.Ticker{
		Symbol:    s.symbol,
		Last:      formatPrice(price),
		Bid:       formatPrice(price * 0.9995),
		Ask:       formatPrice(price * 1.0005),
		Volume24h: formatQuantity(s.volume),
		Timestamp: ts,
	}
}

func (s *symbolState) orderBook(depth int, ts time.Time) schema.OrderBook {
	if depth <= 0 {
		depth = defaultBookLevels
	}
	s.mu.Lock()
	price := s.step()
	s.mu.Unlock()

	bids := make([]bookLevel, depth)
	asks := make([]bookLevel, depth)
	for i := 0; i < depth; i++ {
		delta := float64(i+1) * 0.5
		bids[i] = bookLevel{price: price - delta, quantity: 1.5 + 0.1*float64(i)}
		asks[i] = bookLevel{price: price + delta, quantity: 1.2 + 0.1*float64(i)}
	}
	return schema.OrderBook{
		Symbol:    s.symbol,
		Bids:      toPriceLevels(bids),
		Asks:      toPriceLevels(asks),
		Timestamp: ts,
	}
}

// trade prints a new trade and remembers it for FetchTrades.
func (s *symbolState) trade(ts time.Time) schema.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	price := s.step()
	quantity := 0.25 + 0.05*float64((s.seq%7)+1)
	s.volume += quantity
	side := schema.TradeSideBuy
	if s.seq%2 == 0 {
		side = schema.TradeSideSell
	}
	trade := schema.Trade{
		ID:        fmt.Sprintf("%s-%d", strings.ReplaceAll(s.symbol, "/", ""), s.seq),
		Symbol:    s.symbol,
		Side:      side,
		Price:     formatPrice(price),
		Quantity:  formatQuantity(quantity),
		Timestamp: ts,
	}
	s.trades = append(s.trades, trade)
	if len(s.trades) > 500 {
		s.trades = append([]schema.Trade(nil), s.trades[len(s.trades)-500:]...)
	}
	return trade
}

func (s *symbolState) recentTrades(limit int) []schema.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.trades) {
		limit = len(s.trades)
	}
	return append([]schema.Trade(nil), s.trades[len(s.trades)-limit:]...)
}

// kline builds a candle for the window ending at ts.
func (s *symbolState) kline(interval string, ts time.Time) schema.Kline {
	width := klineWidth(interval)
	s.mu.Lock()
	open := s.lastPrice
	high, low := open, open
	for i := 0; i < 4; i++ {
		price := s.step()
		high = math.Max(high, price)
		low = math.Min(low, price)
	}
	closePrice := s.lastPrice
	volume := 10 + float64(s.seq%17)
	s.mu.Unlock()

	closeTime := ts.Truncate(width).Add(width)
	return schema.Kline{
		Symbol:    s.symbol,
		Interval:  interval,
		Open:      formatPrice(open),
		High:      formatPrice(high),
		Low:       formatPrice(low),
		Close:     formatPrice(closePrice),
		Volume:    formatQuantity(volume),
		OpenTime:  closeTime.Add(-width),
		CloseTime: closeTime,
	}
}

func klineWidth(interval string) time.Duration {
	trimmed := strings.TrimSpace(interval)
	if strings.HasSuffix(trimmed, "d") {
		trimmed = strings.TrimSuffix(trimmed, "d")
		if d, err := time.ParseDuration(trimmed + "h"); err == nil && d > 0 {
			return d * 24
		}
	}
	if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

func toPriceLevels(levels []bookLevel) []schema.PriceLevel {
	return iter.Map(levels, func(level *bookLevel) schema.PriceLevel {
		return schema.PriceLevel{Price: formatPrice(level.price), Quantity: formatQuantity(level.quantity)}
	})
}

func formatPrice(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(2)
}

func formatQuantity(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(4)
}
