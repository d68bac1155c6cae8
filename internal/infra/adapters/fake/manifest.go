package fake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/subhub/internal/app/provider"
	"github.com/coachpo/subhub/internal/domain/schema"
)

// AdapterName is the manifest identifier of the synthetic exchange.
const AdapterName = "fake"

// Manifest setting keys.
const (
	settingName               = "name"
	settingConnected          = "connected"
	settingTickerInterval     = "ticker_interval"
	settingTradeInterval      = "trade_interval"
	settingBookInterval       = "book_interval"
	settingKlineInterval      = "kline_interval"
	settingBookLevels         = "book_levels"
	settingPushKlineIntervals = "push_kline_intervals"
	settingPullOnly           = "pull_only"
)

// publicSettings are reported by the exchange listing. The synthetic exchange carries
// no credentials, but only cadence and quirk settings are meaningful to operators.
var publicSettings = []string{
	settingConnected,
	settingTickerInterval,
	settingTradeInterval,
	settingBookInterval,
	settingKlineInterval,
	settingBookLevels,
	settingPushKlineIntervals,
	settingPullOnly,
}

// RegisterFactory registers the synthetic exchange with the factory registry.
func RegisterFactory(reg *provider.Registry) {
	reg.Register(AdapterName, func(ctx context.Context, deps provider.Dependencies, cfg map[string]any) (provider.Instance, error) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("create fake exchange: %w", err)
		}
		opts, err := OptionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if opts.Name == "" {
			opts.Name = deps.Name
		}
		opts.Sink = deps.Sink
		opts.Logger = deps.Logger
		return New(opts), nil
	}, publicSettings...)
}

// OptionsFromConfig decodes manifest settings into Options.
func OptionsFromConfig(cfg map[string]any) (Options, error) {
	var opts Options
	if name, ok := cfg[settingName].(string); ok {
		opts.Name = strings.TrimSpace(name)
	}
	if connected, ok := cfg[settingConnected].(bool); ok {
		opts.Disconnected = !connected
	}
	if d, ok := durationFromConfig(cfg, settingTickerInterval); ok {
		opts.TickerInterval = d
	}
	if d, ok := durationFromConfig(cfg, settingTradeInterval); ok {
		opts.TradeInterval = d
	}
	if d, ok := durationFromConfig(cfg, settingBookInterval); ok {
		opts.BookInterval = d
	}
	if d, ok := durationFromConfig(cfg, settingKlineInterval); ok {
		opts.KlineInterval = d
	}
	if levels, ok := intFromConfig(cfg, settingBookLevels); ok {
		opts.BookLevels = levels
	}
	opts.PushKlineIntervals = stringsFromConfig(cfg, settingPushKlineIntervals)
	for _, raw := range stringsFromConfig(cfg, settingPullOnly) {
		typ, err := schema.ParseDataType(raw)
		if err != nil {
			return Options{}, fmt.Errorf("fake exchange pull_only: %w", err)
		}
		opts.PullOnly = append(opts.PullOnly, typ)
	}
	return opts, nil
}

func durationFromConfig(cfg map[string]any, key string) (time.Duration, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(value) * time.Millisecond, true
	case int64:
		return time.Duration(value) * time.Millisecond, true
	case float64:
		return time.Duration(value * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}

func intFromConfig(cfg map[string]any, key string) (int, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func stringsFromConfig(cfg map[string]any, key string) []string {
	switch value := cfg[key].(type) {
	case []string:
		return append([]string(nil), value...)
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return nil
}
