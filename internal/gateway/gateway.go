// Package gateway implements the Gateway Orchestrator: the component that
// accepts an inbound HTTP request, finds its route, dispatches through the
// canary engine, version router, or direct service proxy, aggregates
// metrics, and emits events. Dependency injection containers and decorator
// registration are replaced, per the REDESIGN FLAGS, with explicit
// constructor wiring over the §6 configuration schema.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/canary-gateway/internal/breaker"
	"github.com/wudi/canary-gateway/internal/canary"
	"github.com/wudi/canary-gateway/internal/config"
	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/events"
	"github.com/wudi/canary-gateway/internal/logging"
	"github.com/wudi/canary-gateway/internal/matcher"
	"github.com/wudi/canary-gateway/internal/metrics"
	"github.com/wudi/canary-gateway/internal/mirror"
	"github.com/wudi/canary-gateway/internal/proxy"
	"github.com/wudi/canary-gateway/internal/ratelimit"
	"github.com/wudi/canary-gateway/internal/retry"
	"github.com/wudi/canary-gateway/internal/timeout"
	"github.com/wudi/canary-gateway/internal/version"
)

// Route binds one configured route's compiled matcher pattern to its
// wired resilience stack, proxy, and optional canary/version/mirror
// policies. Built once at construction and immutable for the process
// lifetime, per spec.md §3's RouteDefinition lifecycle.
type Route struct {
	ID          string
	Pattern     string
	Methods     map[string]bool // empty means every method is allowed
	ServiceName string

	Proxy         *proxy.Proxy
	VersionRouter *version.Router
	Canary        *canary.Controller
	Mirror        *mirror.Mirror

	// Metrics is the route's aggregate sliding-window collector — the
	// same instance handed to Proxy as its Config.Metrics, so "recording
	// a success on the route" happens once, inside the proxy layer.
	Metrics *metrics.Collector

	versionMetrics *versionMetricsTable
}

// versionMetricsTable tracks a per-version metrics dimension the proxy
// itself has no notion of (it only sees filters), satisfying §4.12 step
// 3's "gateway metrics ... tagged with version" on top of the route's
// own aggregate collector.
type versionMetricsTable struct {
	mu     sync.Mutex
	window time.Duration
	byVer  map[string]*metrics.Collector
}

func newVersionMetricsTable(window time.Duration) *versionMetricsTable {
	return &versionMetricsTable{window: window, byVer: make(map[string]*metrics.Collector)}
}

func (t *versionMetricsTable) collectorFor(version string) *metrics.Collector {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byVer[version]
	if !ok {
		c = metrics.New(t.window)
		t.byVer[version] = c
	}
	return c
}

func (t *versionMetricsTable) snapshot() map[string]metrics.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]metrics.Snapshot, len(t.byVer))
	for v, c := range t.byVer {
		out[v] = c.GetSnapshot()
	}
	return out
}

// Gateway is the orchestrator: a specificity-sorted route table plus the
// shared discovery client and circuit breaker registry every route's
// proxy draws on.
type Gateway struct {
	routes  map[string]*Route
	order   []string
	cfg     *config.Config
	sink    events.Sink
	logger  *zap.Logger
	breaker *breaker.Registry

	discoveryClient *discovery.Client
	promCollector   *metrics.PromCollector
}

// PrometheusCollector exposes every route's aggregate sliding-window
// collector through the prometheus.Collector interface, so a host
// application can register it on its own registry and serve /metrics
// without the gateway core ever importing an HTTP mux of its own.
func (g *Gateway) PrometheusCollector() *metrics.PromCollector {
	return g.promCollector
}

// New builds a Gateway from cfg, wiring one Route per configured entry.
// registry is the discovery collaborator; sink receives emitted events
// (a events.NopSink{} is substituted when nil); logger defaults to
// logging.Global() when nil.
func New(cfg *config.Config, registry discovery.Registry, sink events.Sink, logger *zap.Logger) (*Gateway, error) {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = logging.Global()
	}

	discoveryClient, err := discovery.New(registry, discovery.Config{
		CacheEnabled: cfg.Gateway.Discovery.CacheEnabled,
		CacheSize:    cfg.Gateway.Discovery.CacheSize,
		CacheTTL:     time.Duration(cfg.Gateway.Discovery.CacheTTLMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: building discovery client: %w", err)
	}

	g := &Gateway{
		routes:          make(map[string]*Route, len(cfg.Gateway.Routes)),
		cfg:             cfg,
		sink:            sink,
		logger:          logger,
		breaker:         breaker.NewRegistry(sink),
		discoveryClient: discoveryClient,
		promCollector:   metrics.NewPromCollector("route"),
	}

	patterns := make([]string, 0, len(cfg.Gateway.Routes))
	for _, rc := range cfg.Gateway.Routes {
		route, err := g.buildRoute(rc)
		if err != nil {
			return nil, fmt.Errorf("gateway: building route %q: %w", rc.Path, err)
		}
		g.routes[rc.Path] = route
		g.promCollector.Register(rc.Path, route.Metrics)
		patterns = append(patterns, rc.Path)
	}
	g.order = matcher.SortBySpecificity(patterns)

	return g, nil
}

func (g *Gateway) buildRoute(rc config.RouteConfig) (*Route, error) {
	windowMs := g.cfg.Gateway.Metrics.WindowSizeMs
	window := time.Duration(windowMs) * time.Millisecond
	if window <= 0 {
		window = 60 * time.Second
	}

	route := &Route{
		ID:          rc.Path,
		Pattern:     rc.Path,
		ServiceName: rc.ServiceName,
		Metrics:     metrics.New(window),

		versionMetrics: newVersionMetricsTable(window),
	}

	if len(rc.Methods) > 0 {
		route.Methods = make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			route.Methods[normalizeMethod(m)] = true
		}
	}

	defaultFilter := discovery.Filter{
		Status:   discovery.Status(rc.Filter.Status),
		Metadata: rc.Filter.Metadata,
	}

	var rateLimiter *ratelimit.Limiter
	if rc.RateLimit != nil {
		rateLimiter = ratelimit.New(rc.RateLimit.Max, time.Duration(rc.RateLimit.WindowMs)*time.Millisecond)
	}

	retryCfg := rc.TrafficPolicy.Retry
	if retryCfg == nil {
		retryCfg = &g.cfg.Gateway.Resilience.DefaultRetry
	}
	retryPolicy := retry.New(retry.Config{
		MaxAttempts: retryCfg.MaxAttempts,
		BaseMs:      retryCfg.BaseMs,
		MaxMs:       retryCfg.MaxMs,
		Jitter:      retryCfg.Jitter,
	})

	timeoutMs := rc.TrafficPolicy.Timeout
	if timeoutMs <= 0 {
		timeoutMs = g.cfg.Gateway.Resilience.DefaultTimeoutMs
	}
	timeoutWrapper := timeout.New(time.Duration(timeoutMs) * time.Millisecond)

	circuitBreaker := g.breaker.GetOrCreate("gateway:"+rc.ServiceName, breaker.Config{
		FailureThreshold: g.cfg.Gateway.Resilience.DefaultCircuitBreaker.FailureThreshold,
		CooldownMs:       g.cfg.Gateway.Resilience.DefaultCircuitBreaker.CooldownMs,
		HalfOpenMaxCalls: g.cfg.Gateway.Resilience.DefaultCircuitBreaker.HalfOpenMaxCalls,
	})

	route.Proxy = proxy.New(g.discoveryClient, proxy.Config{
		ServiceName:   rc.ServiceName,
		DefaultFilter: defaultFilter,
		StripPrefix:   rc.StripPrefix,
		AddPrefix:     rc.AddPrefix,
		Strategy:      discovery.Strategy(rc.LoadBalancer),
		RateLimiter:   rateLimiter,
		Retry:         retryPolicy,
		Breaker:       circuitBreaker,
		Timeout:       timeoutWrapper,
		Metrics:       route.Metrics,
	})

	if rc.VersionRoute != nil {
		route.VersionRouter = version.New(*rc.VersionRoute)
	}

	if rc.Canary != nil {
		route.Canary = canary.New(rc.Path, *rc.Canary, g.sink)
	}

	if rc.TrafficPolicy.Mirror != nil {
		route.Mirror = mirror.New(g.discoveryClient, mirror.Config{
			ServiceName:     rc.TrafficPolicy.Mirror.Service,
			Percentage:      rc.TrafficPolicy.Mirror.Percentage,
			WaitForResponse: rc.TrafficPolicy.Mirror.WaitForResponse,
		})
	}

	return route, nil
}

func normalizeMethod(m string) string {
	out := make([]byte, len(m))
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// findRoute returns the first specificity-ordered route matching path, or
// nil when none matches.
func (g *Gateway) findRoute(path string) (*Route, matcher.Result) {
	for _, pattern := range g.order {
		route := g.routes[pattern]
		if result := matcher.Match(pattern, path); result.Matched {
			return route, result
		}
	}
	return nil, matcher.Result{}
}

// Start launches every route's canary evaluation loop. Idempotent.
func (g *Gateway) Start() {
	for _, route := range g.routes {
		if route.Canary != nil {
			route.Canary.Start()
		}
	}
}

// Stop halts every route's canary timers and closes the discovery
// client. Idempotent.
func (g *Gateway) Stop() error {
	for _, route := range g.routes {
		if route.Canary != nil {
			route.Canary.Stop()
		}
	}
	return g.discoveryClient.Close()
}

// RouteSnapshot is a read-only status view over one route, grounded on
// the teacher's BreakerSnapshot/CanarySnapshot accessor pattern — a plain
// accessor, not an admin UI.
type RouteSnapshot struct {
	Pattern        string                      `json:"pattern"`
	ServiceName    string                      `json:"service_name"`
	Metrics        metrics.Snapshot            `json:"metrics"`
	VersionMetrics map[string]metrics.Snapshot `json:"version_metrics,omitempty"`
	Canary         *canary.Snapshot            `json:"canary,omitempty"`
	Breaker        *breaker.Snapshot           `json:"breaker,omitempty"`
}

// Snapshot returns a point-in-time status view of every route, for a
// host application to expose however it likes (JSON endpoint, CLI, log
// line) — the gateway core ships no admin UI of its own.
func (g *Gateway) Snapshot() map[string]RouteSnapshot {
	out := make(map[string]RouteSnapshot, len(g.routes))
	for pattern, route := range g.routes {
		snap := RouteSnapshot{
			Pattern:        pattern,
			ServiceName:    route.ServiceName,
			Metrics:        route.Metrics.GetSnapshot(),
			VersionMetrics: route.versionMetrics.snapshot(),
		}
		if route.Canary != nil {
			cs := route.Canary.Snapshot()
			snap.Canary = &cs
		}
		if bs, ok := g.breaker.Snapshots()["gateway:"+route.ServiceName]; ok {
			snap.Breaker = &bs
		}
		out[pattern] = snap
	}
	return out
}

var _ http.Handler = (*Gateway)(nil)
