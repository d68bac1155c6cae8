package subscription

import (
	"fmt"
	"strings"

	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
)

// DefaultKlineInterval is assumed when a klines request names no interval.
const DefaultKlineInterval = "1m"

// ExchangeQuirks lists push gaps known for one exchange.
type ExchangeQuirks struct {
	// PullOnly data types have no push stream at all.
	PullOnly []schema.DataType
	// PushKlineIntervals restricts push klines to these intervals. Empty means any interval.
	PushKlineIntervals []string
}

// Decision is the outcome of delivery method selection.
type Decision struct {
	Method schema.Method
	// Forced is set when an exchange override replaced the caller's preference.
	Forced bool
	Reason string
}

// Selector decides between push and pull for a subscription request.
type Selector struct {
	quirks map[string]ExchangeQuirks
}

// NewSelector builds a selector; quirks are keyed by exchange name.
func NewSelector(quirks map[string]ExchangeQuirks) *Selector {
	normalized := make(map[string]ExchangeQuirks, len(quirks))
	for name, q := range quirks {
		normalized[schema.NormalizeExchange(name)] = q
	}
	return &Selector{quirks: normalized}
}

// Decide applies, in order: exchange override, explicit hint, connectivity.
func (s *Selector) Decide(ad exchange.Adapter, hint schema.Method, typ schema.DataType, params schema.Params) Decision {
	if reason, blocked := s.pushBlocked(ad, typ, params); blocked {
		return Decision{Method: schema.MethodPull, Forced: hint != schema.MethodPull, Reason: reason}
	}
	switch hint {
	case schema.MethodPull:
		return Decision{Method: schema.MethodPull, Reason: "hint"}
	case schema.MethodPush:
		return Decision{Method: schema.MethodPush, Reason: "hint"}
	}
	if ad.IsConnected() {
		return Decision{Method: schema.MethodPush, Reason: "connected"}
	}
	return Decision{Method: schema.MethodPull, Reason: "disconnected"}
}

func (s *Selector) pushBlocked(ad exchange.Adapter, typ schema.DataType, params schema.Params) (string, bool) {
	if caps, ok := ad.(exchange.PushCapabilities); ok {
		if supported, reason := caps.SupportsPush(typ, params); !supported {
			if reason == "" {
				reason = fmt.Sprintf("%s push unsupported", typ)
			}
			return reason, true
		}
	}
	if s == nil {
		return "", false
	}
	q, ok := s.quirks[schema.NormalizeExchange(ad.Name())]
	if !ok {
		return "", false
	}
	for _, pullOnly := range q.PullOnly {
		if pullOnly == typ {
			return fmt.Sprintf("%s has no %s push stream", ad.Name(), typ), true
		}
	}
	if typ == schema.DataTypeKlines && len(q.PushKlineIntervals) > 0 {
		interval, ok := params.KlineInterval()
		if !ok {
			interval = DefaultKlineInterval
		}
		for _, allowed := range q.PushKlineIntervals {
			if strings.EqualFold(strings.TrimSpace(allowed), interval) {
				return "", false
			}
		}
		return fmt.Sprintf("%s pushes klines only at %s", ad.Name(), strings.Join(q.PushKlineIntervals, ",")), true
	}
	return "", false
}
