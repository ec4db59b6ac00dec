// Package config parses and validates the gateway's declarative route
// configuration (see the YAML schema). Loading, env-var expansion and
// hot-reload are ambient collaborators: the core orchestrator only ever
// consumes a *Config value, it never touches the filesystem itself.
package config

// Config is the top-level gateway configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
}

type GatewayConfig struct {
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Resilience Resilience      `yaml:"resilience"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Routes     []RouteConfig   `yaml:"routes"`
}

type DiscoveryConfig struct {
	CacheEnabled bool `yaml:"cacheEnabled"`
	CacheSize    int  `yaml:"cacheSize"`
	CacheTTLMs   int  `yaml:"cacheTTLMs"`
}

type Resilience struct {
	DefaultTimeoutMs      int                   `yaml:"defaultTimeout"`
	DefaultRetry          RetryConfig           `yaml:"defaultRetry"`
	DefaultCircuitBreaker CircuitBreakerConfig  `yaml:"defaultCircuitBreaker"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BaseMs      int `yaml:"backoffMs"`
	MaxMs       int `yaml:"maxBackoffMs"`
	Jitter      bool `yaml:"jitter"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	CooldownMs       int `yaml:"cooldownMs"`
	HalfOpenMaxCalls int `yaml:"halfOpenMaxCalls"`
}

type MetricsConfig struct {
	Enabled            bool `yaml:"enabled"`
	WindowSizeMs       int  `yaml:"windowSize"`
	CollectionInterval int  `yaml:"collectionInterval"`
}

// RouteConfig describes one declarative route entry.
type RouteConfig struct {
	Path          string            `yaml:"path"`
	Methods       []string          `yaml:"methods"`
	ServiceName   string            `yaml:"serviceName"`
	StripPrefix   string            `yaml:"stripPrefix"`
	AddPrefix     string            `yaml:"addPrefix"`
	LoadBalancer  string            `yaml:"loadBalancer"`
	Filter        DiscoveryFilter   `yaml:"filter"`
	VersionRoute  *VersionRouteCfg  `yaml:"versionRoute"`
	Canary        *CanaryCfg        `yaml:"canary"`
	TrafficPolicy TrafficPolicyCfg  `yaml:"trafficPolicy"`
	RateLimit     *RateLimitCfg     `yaml:"rateLimit"`
}

type DiscoveryFilter struct {
	Status   string            `yaml:"status"`
	Metadata map[string]string `yaml:"metadata"`
}

type VersionRouteCfg struct {
	Strategy []string                    `yaml:"strategy"`
	Header   string                      `yaml:"header"`
	Query    string                      `yaml:"query"`
	Routes   map[string]VersionEntryCfg  `yaml:"routes"`
}

type VersionEntryCfg struct {
	Weight        int    `yaml:"weight"`
	AllowExplicit bool   `yaml:"allowExplicit"`
	Deprecated    bool   `yaml:"deprecated"`
	Sunset        string `yaml:"sunset"`
}

type CanaryCfg struct {
	Stable    CanaryTargetCfg  `yaml:"stable"`
	Canary    CanaryTargetCfg  `yaml:"canary"`
	Promotion PromotionCfg     `yaml:"promotion"`
}

type CanaryTargetCfg struct {
	Version string `yaml:"version"`
	Weight  int    `yaml:"weight"`
}

type PromotionCfg struct {
	Strategy         string `yaml:"strategy"` // error-rate, latency, custom
	ErrorThreshold   float64 `yaml:"errorThreshold"`
	LatencyThreshold int    `yaml:"latencyThreshold"`
	EvaluationWindow string `yaml:"evaluationWindow"`
	StepInterval     string `yaml:"stepInterval"`
	Steps            []int  `yaml:"steps"`
	AutoPromote      bool   `yaml:"autoPromote"`
	AutoRollback     bool   `yaml:"autoRollback"`
	MinRequests      int    `yaml:"minRequests"`
}

type TrafficPolicyCfg struct {
	Mirror  *MirrorCfg  `yaml:"mirror"`
	Timeout int         `yaml:"timeout"`
	Retry   *RetryConfig `yaml:"retry"`
}

type MirrorCfg struct {
	Service         string `yaml:"service"`
	Percentage      int    `yaml:"percentage"`
	WaitForResponse bool   `yaml:"waitForResponse"`
}

type RateLimitCfg struct {
	Strategy string `yaml:"strategy"`
	Max      int    `yaml:"max"`
	WindowMs int    `yaml:"window"`
}

// DefaultConfig returns sensible baseline values, overlaid by whatever the
// YAML document supplies.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Discovery: DiscoveryConfig{
				CacheEnabled: true,
				CacheSize:    256,
				CacheTTLMs:   2000,
			},
			Resilience: Resilience{
				DefaultTimeoutMs: 3000,
				DefaultRetry: RetryConfig{
					MaxAttempts: 1,
					BaseMs:      100,
					MaxMs:       2000,
					Jitter:      true,
				},
				DefaultCircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					CooldownMs:       30000,
					HalfOpenMaxCalls: 1,
				},
			},
			Metrics: MetricsConfig{
				Enabled:            true,
				WindowSizeMs:       60000,
				CollectionInterval: 10000,
			},
		},
	}
}
