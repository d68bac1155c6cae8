package config

import (
	"fmt"
	"sort"
	"strings"
)

// ExchangeSpec describes a single exchange connection and its adapter settings.
type ExchangeSpec struct {
	Name    string
	Adapter string
	Config  map[string]any
}

// BuildExchangeSpecs converts exchange entries from the application configuration into
// specifications sorted by name. An entry without an adapter key uses its name as adapter.
func BuildExchangeSpecs(exchanges map[string]map[string]any) ([]ExchangeSpec, error) {
	specs := make([]ExchangeSpec, 0, len(exchanges))
	for key, data := range exchanges {
		name := normalizeName(key)
		if name == "" {
			return nil, fmt.Errorf("exchange name required")
		}
		adapter := name
		if raw, ok := data["adapter"]; ok {
			identifier, ok := raw.(string)
			if !ok || strings.TrimSpace(identifier) == "" {
				return nil, fmt.Errorf("exchange %q adapter must be non-empty string", name)
			}
			adapter = normalizeName(identifier)
		}

		settings := make(map[string]any, len(data)+1)
		for k, v := range data {
			if k == "adapter" {
				continue
			}
			settings[k] = v
		}
		settings["name"] = name

		specs = append(specs, ExchangeSpec{Name: name, Adapter: adapter, Config: settings})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}
