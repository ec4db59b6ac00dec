package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validStrategies = map[string]bool{
	"error-rate": true, "latency": true, "custom": true,
}

var validVersionStrategies = map[string]bool{
	"header": true, "uri": true, "query": true,
}

// Loader reads and validates the gateway configuration file.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads path and parses it as gateway configuration.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// references and overlaying onto DefaultConfig before validation.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values,
// leaving the literal reference in place when the variable is unset.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks the parsed config for structural and semantic errors:
// missing or duplicate route paths, missing service names, unknown
// methods, canary weight sum/strategy/step order, unknown version
// strategies, and a non-positive rate-limit max. Path pattern syntax and
// version-route weights are not checked.
func (l *Loader) validate(cfg *Config) error {
	seenPaths := make(map[string]bool)

	for i, route := range cfg.Gateway.Routes {
		if route.Path == "" {
			return fmt.Errorf("route %d: path is required", i)
		}
		if seenPaths[route.Path] {
			return fmt.Errorf("duplicate route path: %s", route.Path)
		}
		seenPaths[route.Path] = true

		if route.ServiceName == "" {
			return fmt.Errorf("route %s: serviceName is required", route.Path)
		}

		for _, m := range route.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %s: invalid method %q", route.Path, m)
			}
		}

		if route.Canary != nil {
			sum := route.Canary.Stable.Weight + route.Canary.Canary.Weight
			if sum != 100 {
				return fmt.Errorf("route %s: canary weights must sum to 100, got %d", route.Path, sum)
			}
			if route.Canary.Promotion.Strategy != "" && !validStrategies[route.Canary.Promotion.Strategy] {
				return fmt.Errorf("route %s: invalid canary promotion strategy %q", route.Path, route.Canary.Promotion.Strategy)
			}
			steps := route.Canary.Promotion.Steps
			for j := 1; j < len(steps); j++ {
				if steps[j] <= steps[j-1] {
					return fmt.Errorf("route %s: canary steps must be monotonically increasing", route.Path)
				}
			}
		}

		if route.VersionRoute != nil {
			for _, s := range route.VersionRoute.Strategy {
				if !validVersionStrategies[s] {
					return fmt.Errorf("route %s: invalid version strategy %q", route.Path, s)
				}
			}
		}

		if route.RateLimit != nil && route.RateLimit.Max <= 0 {
			return fmt.Errorf("route %s: rateLimit.max must be positive", route.Path)
		}
	}

	return nil
}
