package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector adapts a named set of sliding-window Collectors to
// prometheus.Collector, so the gateway's per-route windows can be scraped
// at /metrics without hand-writing the exposition format.
type PromCollector struct {
	label      string // e.g. "route" or "version"
	collectors map[string]*Collector

	totalCalls  *prometheus.Desc
	failureRate *prometheus.Desc
	p50         *prometheus.Desc
	p95         *prometheus.Desc
	p99         *prometheus.Desc
}

// NewPromCollector builds a PromCollector that reports metrics for the
// given label dimension (e.g. one entry per route pattern).
func NewPromCollector(label string) *PromCollector {
	return &PromCollector{
		label:      label,
		collectors: make(map[string]*Collector),
		totalCalls: prometheus.NewDesc("gateway_requests_total",
			"Total requests observed in the current sliding window.", []string{label}, nil),
		failureRate: prometheus.NewDesc("gateway_failure_rate_percent",
			"Failure rate over the current sliding window.", []string{label}, nil),
		p50: prometheus.NewDesc("gateway_latency_p50_ms", "p50 latency in ms.", []string{label}, nil),
		p95: prometheus.NewDesc("gateway_latency_p95_ms", "p95 latency in ms.", []string{label}, nil),
		p99: prometheus.NewDesc("gateway_latency_p99_ms", "p99 latency in ms.", []string{label}, nil),
	}
}

// Register attaches a named Collector (e.g. keyed by route pattern) to be
// scraped under this PromCollector.
func (p *PromCollector) Register(name string, c *Collector) {
	p.collectors[name] = c
}

func (p *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.totalCalls
	ch <- p.failureRate
	ch <- p.p50
	ch <- p.p95
	ch <- p.p99
}

func (p *PromCollector) Collect(ch chan<- prometheus.Metric) {
	for name, c := range p.collectors {
		snap := c.GetSnapshot()
		ch <- prometheus.MustNewConstMetric(p.totalCalls, prometheus.GaugeValue, float64(snap.TotalCalls), name)
		ch <- prometheus.MustNewConstMetric(p.failureRate, prometheus.GaugeValue, snap.FailureRate, name)
		ch <- prometheus.MustNewConstMetric(p.p50, prometheus.GaugeValue, snap.P50Ms, name)
		ch <- prometheus.MustNewConstMetric(p.p95, prometheus.GaugeValue, snap.P95Ms, name)
		ch <- prometheus.MustNewConstMetric(p.p99, prometheus.GaugeValue, snap.P99Ms, name)
	}
}
