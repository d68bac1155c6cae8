// Package provider manages exchange connections and their lifecycle.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/config"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

var (
	// ErrExchangeExists indicates that an exchange with the given name already exists.
	ErrExchangeExists = errors.New("exchange already exists")
	// ErrExchangeNotFound indicates that the requested exchange was not found.
	ErrExchangeNotFound = errors.New("exchange not found")
	// ErrConnectivityUnsupported indicates the exchange cannot toggle its transport.
	ErrConnectivityUnsupported = errors.New("exchange connectivity cannot be changed")
)

// Connectivity is implemented by instances whose push transport can be toggled.
type Connectivity interface {
	SetConnected(connected bool)
}

// Manager owns exchange connections materialised from the configuration.
type Manager struct {
	mu       sync.RWMutex
	registry *Registry
	sink     exchange.Sink
	logger   *log.Logger
	states   map[string]*exchangeState

	activeGauge metric.Int64UpDownCounter
}

type exchangeState struct {
	spec     config.ExchangeSpec
	instance Instance
}

// NewManager creates a new exchange manager. Events emitted by the exchanges go to sink.
func NewManager(reg *Registry, sink exchange.Sink, logger *log.Logger) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "exchange-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	manager := &Manager{
		registry: reg,
		sink:     sink,
		logger:   logger,
		states:   make(map[string]*exchangeState),
	}
	manager.activeGauge, _ = otel.Meter("provider.manager").Int64UpDownCounter("exchanges.active",
		metric.WithDescription("Number of live exchange connections"),
		metric.WithUnit("{exchange}"))
	return manager
}

// Registry exposes the underlying factory registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start constructs every exchange from the supplied specifications. On failure the
// exchanges created so far are closed again.
func (m *Manager) Start(ctx context.Context, specs []config.ExchangeSpec) error {
	created := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := m.Create(ctx, spec); err != nil {
			for _, name := range created {
				_ = m.Remove(name)
			}
			return err
		}
		created = append(created, spec.Name)
	}
	return nil
}

// Create instantiates and registers an exchange connection.
func (m *Manager) Create(ctx context.Context, spec config.ExchangeSpec) (RuntimeMetadata, error) {
	spec.Name = schema.NormalizeExchange(spec.Name)
	spec.Adapter = strings.ToLower(strings.TrimSpace(spec.Adapter))
	if spec.Name == "" {
		return RuntimeMetadata{}, fmt.Errorf("exchange name required")
	}
	if err := ctx.Err(); err != nil {
		return RuntimeMetadata{}, fmt.Errorf("context error: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.states[spec.Name]; exists {
		m.mu.Unlock()
		return RuntimeMetadata{}, fmt.Errorf("%w: %s", ErrExchangeExists, spec.Name)
	}
	// Reserve the name while the factory runs.
	m.states[spec.Name] = &exchangeState{spec: spec}
	m.mu.Unlock()

	instance, err := m.registry.Create(ctx, Dependencies{Sink: m.sink, Logger: m.logger}, spec)
	if err != nil {
		m.mu.Lock()
		delete(m.states, spec.Name)
		m.mu.Unlock()
		return RuntimeMetadata{}, err
	}

	m.mu.Lock()
	state := m.states[spec.Name]
	state.instance = instance
	meta := m.metadataFor(state)
	m.mu.Unlock()

	m.recordActive(ctx, spec.Name, 1)
	m.logger.Printf("exchange-manager: exchange started name=%s adapter=%s connected=%t", spec.Name, spec.Adapter, instance.IsConnected())
	return meta, nil
}

// Remove closes and forgets an exchange connection.
func (m *Manager) Remove(name string) error {
	key := schema.NormalizeExchange(name)
	m.mu.Lock()
	state, ok := m.states[key]
	if !ok || state.instance == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, key)
	}
	delete(m.states, key)
	m.mu.Unlock()

	m.recordActive(context.Background(), key, -1)
	if err := state.instance.Close(); err != nil {
		return fmt.Errorf("close exchange %s: %w", key, err)
	}
	m.logger.Printf("exchange-manager: exchange stopped name=%s", key)
	return nil
}

// Exchange returns the live connection registered under name.
func (m *Manager) Exchange(name string) (exchange.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[schema.NormalizeExchange(name)]
	if !ok || state.instance == nil {
		return nil, false
	}
	return state.instance, true
}

// SetConnected toggles the push transport of the named exchange.
func (m *Manager) SetConnected(name string, connected bool) error {
	adapter, ok := m.Exchange(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, schema.NormalizeExchange(name))
	}
	toggler, ok := adapter.(Connectivity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectivityUnsupported, adapter.Name())
	}
	toggler.SetConnected(connected)
	return nil
}

// Metadata returns a snapshot of every live exchange, sorted by name.
func (m *Manager) Metadata() []RuntimeMetadata {
	m.mu.RLock()
	out := make([]RuntimeMetadata, 0, len(m.states))
	for _, state := range m.states {
		if state.instance == nil {
			continue
		}
		out = append(out, m.metadataFor(state))
	}
	m.mu.RUnlock()
	SortRuntimeMetadata(out)
	return out
}

// Close shuts down every exchange connection.
func (m *Manager) Close() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name, state := range m.states {
		if state.instance != nil {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	var errList []error
	for _, name := range names {
		if err := m.Remove(name); err != nil && !errors.Is(err, ErrExchangeNotFound) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m *Manager) metadataFor(state *exchangeState) RuntimeMetadata {
	meta := RuntimeMetadata{
		Name:      state.spec.Name,
		Adapter:   state.spec.Adapter,
		Connected: state.instance.IsConnected(),
		Settings:  m.registry.PublicSettings(state.spec.Adapter, state.spec.Config),
	}
	if lister, ok := state.instance.(StreamLister); ok {
		meta.Streams = lister.Streams()
	}
	return meta
}

func (m *Manager) recordActive(ctx context.Context, name string, delta int64) {
	if m.activeGauge == nil {
		return
	}
	m.activeGauge.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrExchange.String(name)))
}
