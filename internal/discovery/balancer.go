package discovery

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Strategy names a load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyRandom           Strategy = "random"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyWeightedRR       Strategy = "weighted-round-robin"
	StrategyIPHash           Strategy = "ip-hash"
)

// Balancer selects one instance from a candidate slice.
type Balancer interface {
	Next(candidates []*ServiceInstance, key string) *ServiceInstance
}

// RoundRobinBalancer cycles through candidates in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Next(candidates []*ServiceInstance, key string) *ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}
	idx := b.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// RandomBalancer picks a uniformly random candidate.
type RandomBalancer struct{}

func (RandomBalancer) Next(candidates []*ServiceInstance, key string) *ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// LeastConnectionsBalancer picks the candidate with fewest active
// requests, ties broken by slice order.
type LeastConnectionsBalancer struct{}

func (LeastConnectionsBalancer) Next(candidates []*ServiceInstance, key string) *ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestActive := atomic.LoadInt64(&best.ActiveRequests)
	for _, c := range candidates[1:] {
		active := atomic.LoadInt64(&c.ActiveRequests)
		if active < bestActive {
			best = c
			bestActive = active
		}
	}
	return best
}

// WeightedRoundRobinBalancer implements interleaved weighted round-robin
// via the classic GCD algorithm: instances with higher metadata["weight"]
// are selected proportionally more often.
type WeightedRoundRobinBalancer struct {
	mu      sync.Mutex
	current int
	cw      int
}

func instanceWeight(inst *ServiceInstance) int {
	w := 1
	if raw, ok := inst.Metadata["weight"]; ok {
		if n := parsePositiveInt(raw); n > 0 {
			w = n
		}
	}
	return w
}

func parsePositiveInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (b *WeightedRoundRobinBalancer) Next(candidates []*ServiceInstance, key string) *ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	weights := make([]int, len(candidates))
	g, maxW := 0, 0
	for i, c := range candidates {
		weights[i] = instanceWeight(c)
		g = gcd(g, weights[i])
		if weights[i] > maxW {
			maxW = weights[i]
		}
	}
	if g == 0 {
		g = 1
	}

	if b.cw > maxW {
		b.cw = maxW
	}
	for i := 0; i < len(candidates)*maxW+1; i++ {
		b.current = (b.current + 1) % len(candidates)
		if b.current == 0 {
			b.cw -= g
			if b.cw <= 0 {
				b.cw = maxW
			}
		}
		if weights[b.current] >= b.cw {
			return candidates[b.current]
		}
	}
	return candidates[0]
}

// IPHashBalancer hashes key (typically the client IP) with xxhash and
// picks a consistent instance index, so repeat callers land on the same
// instance as long as the candidate count is stable.
type IPHashBalancer struct{}

func (IPHashBalancer) Next(candidates []*ServiceInstance, key string) *ServiceInstance {
	if len(candidates) == 0 {
		return nil
	}
	h := xxhash.Sum64String(key)
	return candidates[h%uint64(len(candidates))]
}

// NewBalancer constructs the Balancer for a named strategy, defaulting to
// round-robin for an unrecognized or empty name.
func NewBalancer(strategy Strategy) Balancer {
	switch strategy {
	case StrategyRandom:
		return RandomBalancer{}
	case StrategyLeastConnections:
		return LeastConnectionsBalancer{}
	case StrategyWeightedRR:
		return &WeightedRoundRobinBalancer{}
	case StrategyIPHash:
		return IPHashBalancer{}
	default:
		return &RoundRobinBalancer{}
	}
}
