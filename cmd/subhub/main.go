// Command subhub launches the shared market data subscription service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/subhub/internal/app/bootstrap"
	"github.com/coachpo/subhub/internal/app/provider"
	"github.com/coachpo/subhub/internal/app/subscription"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/adapters/fake"
	"github.com/coachpo/subhub/internal/infra/bus/eventbus"
	"github.com/coachpo/subhub/internal/infra/config"
	httpserver "github.com/coachpo/subhub/internal/infra/server/http"
	"github.com/coachpo/subhub/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	subhubLoggerPrefix           = "subhub "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	coordinatorShutdownTimeout   = 15 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	exchangesShutdownTimeout     = 5 * time.Second
	dataBusShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newSubhubLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, exchanges=%d, strategies=%d",
		appCfg.Environment, len(appCfg.Exchanges), len(appCfg.Strategies))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	bus := newEventBus(appCfg.Eventbus)

	exchanges, err := initExchanges(ctx, logger, appCfg, bus)
	if err != nil {
		logger.Fatalf("initialise exchanges: %v", err)
	}

	coordinatorCfg, err := bootstrap.CoordinatorConfig(appCfg.Coordinator)
	if err != nil {
		logger.Fatalf("coordinator config: %v", err)
	}
	coordinatorLogger := log.New(os.Stdout, "coordinator ", log.LstdFlags|log.Lmicroseconds)
	coordinator := subscription.NewCoordinator(coordinatorCfg, subscription.WithLogger(coordinatorLogger))
	coordinator.AddObserver(subscription.LogObserver{Logger: coordinatorLogger})

	// A partial manifest is not fatal; failures were already logged per subscription.
	if err := bootstrap.NewManifest(coordinator, exchanges, logger).Apply(ctx, appCfg.Strategies); err != nil {
		logger.Printf("warn: strategy manifest applied with errors: %v", err)
	}
	stats := coordinator.Stats()
	logger.Printf("subscriptions active: total=%d push=%d pull=%d",
		stats.Total, stats.ByMethod[schema.MethodPush], stats.ByMethod[schema.MethodPull])

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, coordinator, exchanges, bus)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("subhub started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      apiServer,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		coordinator: coordinator,
		exchanges:   exchanges,
		dataBus:     bus,
		telemetry:   telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSubhubLogger() *log.Logger {
	return log.New(os.Stdout, subhubLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.EventbusConfig) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
	})
}

func initExchanges(ctx context.Context, logger *log.Logger, appCfg config.AppConfig, bus eventbus.Bus) (*provider.Manager, error) {
	registry := provider.NewRegistry()
	fake.RegisterFactory(registry)

	manager := provider.NewManager(registry, bus, logger)
	specs, err := config.BuildExchangeSpecs(appCfg.Exchanges)
	if err != nil {
		return nil, fmt.Errorf("build exchange specs: %w", err)
	}
	if len(specs) == 0 {
		logger.Print("no exchanges configured; skipping exchange bootstrap")
		return manager, nil
	}
	if err := manager.Start(ctx, specs); err != nil {
		return nil, fmt.Errorf("start exchanges: %w", err)
	}
	for _, meta := range manager.Metadata() {
		logger.Printf("exchange started: name=%s adapter=%s connected=%t settings=%v", meta.Name, meta.Adapter, meta.Connected, meta.Settings)
	}
	return manager, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, coordinator *subscription.Coordinator, exchanges *provider.Manager, bus eventbus.Bus) *http.Server {
	handler := httpserver.NewHandler(env, coordinator, exchanges, bus, nil)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	coordinator *subscription.Coordinator
	exchanges   *provider.Manager
	dataBus     eventbus.Bus
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	// Subscriptions are released before the exchanges they live on are closed.
	if cfg.coordinator != nil {
		shutdownStep("releasing subscriptions", coordinatorShutdownTimeout, func(stepCtx context.Context) error {
			cfg.coordinator.Close(stepCtx)
			return nil
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.exchanges != nil {
		shutdownStep("closing exchanges", exchangesShutdownTimeout, func(context.Context) error {
			return cfg.exchanges.Close()
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.dataBus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitOrTimeout(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
