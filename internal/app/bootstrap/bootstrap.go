// Package bootstrap turns application configuration into running subscriptions.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/subhub/internal/app/subscription"
	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/config"
)

const manifestWorkers = 4

// ExchangeLookup resolves a configured exchange connection by name.
type ExchangeLookup interface {
	Exchange(name string) (exchange.Adapter, bool)
}

// Subscriber is the part of the coordinator the manifest needs.
type Subscriber interface {
	Subscribe(ctx context.Context, strategy string, ad exchange.Adapter, symbol string, typ schema.DataType, params schema.Params, hint schema.Method) error
}

// CoordinatorConfig converts the YAML coordinator section into a subscription.Config.
func CoordinatorConfig(cfg config.CoordinatorConfig) (subscription.Config, error) {
	poll := subscription.PollConfig{
		OrderBookDepth:       cfg.Poll.OrderBookDepth,
		TradeLimit:           cfg.Poll.TradeLimit,
		KlineInterval:        cfg.Poll.KlineInterval,
		FetchAttempts:        cfg.Poll.FetchAttempts,
		RetryInitialInterval: cfg.Poll.RetryInitialInterval,
		RateLimit:            cfg.Poll.RateLimit,
		RateBurst:            cfg.Poll.RateBurst,
	}
	if len(cfg.Poll.Intervals) > 0 {
		poll.Intervals = make(map[schema.DataType]time.Duration, len(cfg.Poll.Intervals))
		for name, every := range cfg.Poll.Intervals {
			typ, err := schema.ParseDataType(name)
			if err != nil {
				return subscription.Config{}, fmt.Errorf("poll interval %q: %w", name, err)
			}
			poll.Intervals[typ] = every
		}
	}

	quirks := make(map[string]subscription.ExchangeQuirks, len(cfg.Quirks))
	for name, quirk := range cfg.Quirks {
		converted := subscription.ExchangeQuirks{PushKlineIntervals: append([]string(nil), quirk.PushKlineIntervals...)}
		for _, raw := range quirk.PullOnly {
			typ, err := schema.ParseDataType(raw)
			if err != nil {
				return subscription.Config{}, fmt.Errorf("quirks %s: %w", name, err)
			}
			converted.PullOnly = append(converted.PullOnly, typ)
		}
		quirks[name] = converted
	}

	return subscription.Config{
		Poll:             poll,
		Quirks:           quirks,
		TeardownTimeout:  cfg.TeardownTimeout,
		ClearConcurrency: cfg.ClearConcurrency,
	}, nil
}

// Manifest subscribes every strategy declared in the configuration.
type Manifest struct {
	subscriber Subscriber
	exchanges  ExchangeLookup
	logger     *log.Logger
}

// NewManifest wires the manifest applier.
func NewManifest(subscriber Subscriber, exchanges ExchangeLookup, logger *log.Logger) *Manifest {
	if logger == nil {
		logger = log.New(os.Stdout, "bootstrap ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manifest{subscriber: subscriber, exchanges: exchanges, logger: logger}
}

// Apply subscribes the declared strategies. Strategies run in parallel; each strategy's
// subscriptions are applied in declaration order. Every failure is reported, and one
// failing subscription does not stop the others.
func (m *Manifest) Apply(ctx context.Context, strategies map[string][]config.SubscriptionSpec) error {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	p := concpool.New().WithErrors().WithMaxGoroutines(manifestWorkers)
	for _, name := range names {
		specs := strategies[name]
		p.Go(func() error {
			return m.applyStrategy(ctx, name, specs)
		})
	}
	return p.Wait()
}

func (m *Manifest) applyStrategy(ctx context.Context, strategy string, specs []config.SubscriptionSpec) error {
	var failures []error
	applied := 0
	for i, spec := range specs {
		if err := m.applyOne(ctx, strategy, spec); err != nil {
			m.logger.Printf("bootstrap: warn: subscription failed strategy=%s index=%d: %v", strategy, i, err)
			failures = append(failures, fmt.Errorf("strategy %s subscription %d: %w", strategy, i, err))
			continue
		}
		applied++
	}
	m.logger.Printf("bootstrap: strategy applied name=%s subscriptions=%d failed=%d", strategy, applied, len(failures))
	return errors.Join(failures...)
}

func (m *Manifest) applyOne(ctx context.Context, strategy string, spec config.SubscriptionSpec) error {
	adapter, ok := m.exchanges.Exchange(spec.Exchange)
	if !ok {
		return fmt.Errorf("exchange %q not running", spec.Exchange)
	}
	typ, err := spec.DataType()
	if err != nil {
		return err
	}
	hint, err := spec.DeliveryMethod()
	if err != nil {
		return err
	}
	return m.subscriber.Subscribe(ctx, strategy, adapter, spec.Symbol, typ, schema.Params(spec.Params), hint)
}
