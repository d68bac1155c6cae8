package config

import (
	"os"
	"strings"
)

// Environment identifies the runtime environment where subhub operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EnvVar overrides the configured environment when set.
const EnvVar = "SUBHUB_ENV"

func normalizeEnvironment(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development":
		return EnvDev
	case "production":
		return EnvProd
	default:
		return Environment(strings.ToLower(strings.TrimSpace(raw)))
	}
}

func environmentOverride() (Environment, bool) {
	raw, ok := os.LookupEnv(EnvVar)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return normalizeEnvironment(raw), true
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
