package discovery

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/canary-gateway/internal/gwerrors"
)

// Client is the gateway's discovery client: getInstances/getInstance over
// a Registry collaborator, with per-service result caching and pluggable
// load-balancing strategies. The cache is owned entirely by the client
// and is safe for concurrent use.
type Client struct {
	registry   Registry
	cache      *lru.Cache[string, cacheEntry]
	cacheTTL   time.Duration
	balancers  map[Strategy]Balancer
}

type cacheEntry struct {
	instances []*ServiceInstance
	at        time.Time
}

// Config parameterizes the discovery client's cache.
type Config struct {
	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration
}

// New creates a Client over registry. When cfg.CacheEnabled is false, the
// cache is bypassed and every call hits the registry directly.
func New(registry Registry, cfg Config) (*Client, error) {
	c := &Client{
		registry: registry,
		cacheTTL: cfg.CacheTTL,
		balancers: map[Strategy]Balancer{
			StrategyRoundRobin:       NewBalancer(StrategyRoundRobin),
			StrategyRandom:           NewBalancer(StrategyRandom),
			StrategyLeastConnections: NewBalancer(StrategyLeastConnections),
			StrategyWeightedRR:       NewBalancer(StrategyWeightedRR),
			StrategyIPHash:           NewBalancer(StrategyIPHash),
		},
	}

	if cfg.CacheEnabled {
		size := cfg.CacheSize
		if size <= 0 {
			size = 256
		}
		cache, err := lru.New[string, cacheEntry](size)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}

	return c, nil
}

// GetInstances returns instances of serviceName matching filter (status
// UP by default plus any required metadata).
func (c *Client) GetInstances(ctx context.Context, serviceName string, filter Filter) ([]*ServiceInstance, error) {
	all, err := c.discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	var out []*ServiceInstance
	for _, inst := range all {
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (c *Client) discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	if c.cache != nil {
		if entry, ok := c.cache.Get(serviceName); ok && time.Since(entry.at) < c.cacheTTL {
			return entry.instances, nil
		}
	}

	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Add(serviceName, cacheEntry{instances: instances, at: time.Now()})
	}
	return instances, nil
}

// GetInstance resolves a single instance of serviceName via strategy
// (defaulting to round-robin), restricted to filter. Returns
// no-instances-available when nothing matches.
func (c *Client) GetInstance(ctx context.Context, serviceName string, strategy Strategy, filter Filter, key string) (*ServiceInstance, error) {
	candidates, err := c.GetInstances(ctx, serviceName, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, gwerrors.New(gwerrors.KindNoInstancesAvail, "no instances available").WithService(serviceName)
	}

	balancer, ok := c.balancers[strategy]
	if !ok {
		balancer = c.balancers[StrategyRoundRobin]
	}

	inst := balancer.Next(candidates, key)
	if inst == nil {
		return nil, gwerrors.New(gwerrors.KindNoInstancesAvail, "no instances available").WithService(serviceName)
	}
	return inst, nil
}

// HasService reports whether any instance of serviceName is currently
// registered, ignoring status/metadata filters entirely. The mirror uses
// this to skip firing when its shadow target doesn't exist at all; the
// lookup goes through the same cache as GetInstances.
func (c *Client) HasService(serviceName string) bool {
	instances, err := c.discover(context.Background(), serviceName)
	if err != nil {
		return false
	}
	return len(instances) > 0
}

// Close releases the underlying registry's resources.
func (c *Client) Close() error {
	return c.registry.Close()
}
