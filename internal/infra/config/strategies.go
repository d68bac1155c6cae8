package config

import (
	"fmt"
	"strings"

	"github.com/coachpo/subhub/internal/domain/schema"
)

// SubscriptionSpec declares one market data subscription a strategy holds at startup.
type SubscriptionSpec struct {
	Exchange string         `yaml:"exchange"`
	Symbol   string         `yaml:"symbol"`
	Type     string         `yaml:"type"`
	Method   string         `yaml:"method"`
	Params   map[string]any `yaml:"params"`
}

func (s SubscriptionSpec) normalise() SubscriptionSpec {
	s.Exchange = normalizeName(s.Exchange)
	s.Symbol = strings.TrimSpace(s.Symbol)
	s.Type = strings.TrimSpace(s.Type)
	s.Method = strings.TrimSpace(s.Method)
	return s
}

func (s SubscriptionSpec) validate() error {
	if s.Exchange == "" {
		return fmt.Errorf("exchange required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if _, err := schema.ParseDataType(s.Type); err != nil {
		return err
	}
	if _, err := schema.ParseMethod(s.Method); err != nil {
		return err
	}
	return schema.Params(s.Params).Validate()
}

// DataType resolves the declared data type.
func (s SubscriptionSpec) DataType() (schema.DataType, error) {
	return schema.ParseDataType(s.Type)
}

// DeliveryMethod resolves the declared method hint; empty means auto.
func (s SubscriptionSpec) DeliveryMethod() (schema.Method, error) {
	return schema.ParseMethod(s.Method)
}

func knownDataType(name string) bool {
	_, err := schema.ParseDataType(name)
	return err == nil
}
