// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.TrimSpace(node.Value)
	}
	switch strings.ToLower(text) {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// PollConfig tunes the pull fallback.
type PollConfig struct {
	// Intervals maps a data type name to its default cadence.
	Intervals            map[string]time.Duration `yaml:"intervals"`
	OrderBookDepth       int                      `yaml:"orderBookDepth"`
	TradeLimit           int                      `yaml:"tradeLimit"`
	KlineInterval        string                   `yaml:"klineInterval"`
	FetchAttempts        int                      `yaml:"fetchAttempts"`
	RetryInitialInterval time.Duration            `yaml:"retryInitialInterval"`
	RateLimit            float64                  `yaml:"rateLimit"`
	RateBurst            int                      `yaml:"rateBurst"`
}

// QuirkConfig lists push streams an exchange cannot serve.
type QuirkConfig struct {
	PullOnly           []string `yaml:"pullOnly"`
	PushKlineIntervals []string `yaml:"pushKlineIntervals"`
}

// CoordinatorConfig configures the subscription coordinator.
type CoordinatorConfig struct {
	Poll             PollConfig             `yaml:"poll"`
	Quirks           map[string]QuirkConfig `yaml:"quirks"`
	TeardownTimeout  time.Duration          `yaml:"teardownTimeout"`
	ClearConcurrency int                    `yaml:"clearConcurrency"`
}

// AppConfig is the unified subhub configuration sourced from YAML.
type AppConfig struct {
	Environment Environment                   `yaml:"environment"`
	APIServer   APIServerConfig               `yaml:"apiServer"`
	Telemetry   TelemetryConfig               `yaml:"telemetry"`
	Eventbus    EventbusConfig                `yaml:"eventbus"`
	Coordinator CoordinatorConfig             `yaml:"coordinator"`
	Exchanges   map[string]map[string]any     `yaml:"exchanges"`
	Strategies  map[string][]SubscriptionSpec `yaml:"strategies"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			ServiceName:   "subhub",
			OTLPInsecure:  true,
			EnableMetrics: false,
		},
		Eventbus: EventbusConfig{BufferSize: 1024},
		Exchanges: map[string]map[string]any{
			"fake": {"adapter": "fake"},
		},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath and falls back to Default when the file does not
// exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil {
			return cfg, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, err
		}
	}
	cfg := Default()
	return cfg, false, cfg.Validate()
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	if env, ok := environmentOverride(); ok {
		c.Environment = env
	} else {
		c.Environment = normalizeEnvironment(string(c.Environment))
	}
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "subhub"
	}
	if c.Eventbus.BufferSize == 0 {
		c.Eventbus.BufferSize = 1024
	}

	exchanges := make(map[string]map[string]any, len(c.Exchanges))
	for name, settings := range c.Exchanges {
		key := normalizeName(name)
		if _, exists := exchanges[key]; exists {
			return fmt.Errorf("duplicate exchange name %q", key)
		}
		exchanges[key] = settings
	}
	c.Exchanges = exchanges

	quirks := make(map[string]QuirkConfig, len(c.Coordinator.Quirks))
	for name, quirk := range c.Coordinator.Quirks {
		quirks[normalizeName(name)] = quirk
	}
	c.Coordinator.Quirks = quirks

	intervals := make(map[string]time.Duration, len(c.Coordinator.Poll.Intervals))
	for name, every := range c.Coordinator.Poll.Intervals {
		intervals[normalizeName(name)] = every
	}
	c.Coordinator.Poll.Intervals = intervals
	c.Coordinator.Poll.KlineInterval = strings.TrimSpace(c.Coordinator.Poll.KlineInterval)

	strategies := make(map[string][]SubscriptionSpec, len(c.Strategies))
	for name, subs := range c.Strategies {
		trimmed := strings.TrimSpace(name)
		if _, exists := strategies[trimmed]; exists {
			return fmt.Errorf("duplicate strategy name %q", trimmed)
		}
		normalized := make([]SubscriptionSpec, 0, len(subs))
		for _, sub := range subs {
			normalized = append(normalized, sub.normalise())
		}
		strategies[trimmed] = normalized
	}
	c.Strategies = strategies
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}
	if c.Coordinator.TeardownTimeout < 0 {
		return fmt.Errorf("coordinator teardownTimeout must be >=0")
	}
	if c.Coordinator.ClearConcurrency < 0 {
		return fmt.Errorf("coordinator clearConcurrency must be >=0")
	}
	poll := c.Coordinator.Poll
	for name, every := range poll.Intervals {
		if !knownDataType(name) {
			return fmt.Errorf("coordinator poll interval for unknown data type %q", name)
		}
		if every <= 0 {
			return fmt.Errorf("coordinator poll interval for %s must be >0", name)
		}
	}
	if poll.FetchAttempts < 0 || poll.OrderBookDepth < 0 || poll.TradeLimit < 0 || poll.RateBurst < 0 {
		return fmt.Errorf("coordinator poll settings must be >=0")
	}
	if poll.RateLimit < 0 {
		return fmt.Errorf("coordinator poll rateLimit must be >=0")
	}
	for name, quirk := range c.Coordinator.Quirks {
		for _, typ := range quirk.PullOnly {
			if !knownDataType(typ) {
				return fmt.Errorf("coordinator quirks %s: unknown data type %q", name, typ)
			}
		}
	}
	if _, err := BuildExchangeSpecs(c.Exchanges); err != nil {
		return err
	}
	for name, subs := range c.Strategies {
		if name == "" {
			return fmt.Errorf("strategy name required")
		}
		for i, sub := range subs {
			if err := sub.validate(); err != nil {
				return fmt.Errorf("strategy %s subscription %d: %w", name, i, err)
			}
			if _, ok := c.Exchanges[sub.Exchange]; !ok {
				return fmt.Errorf("strategy %s subscription %d: exchange %q not configured", name, i, sub.Exchange)
			}
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
