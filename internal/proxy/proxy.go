// Package proxy implements the Service Proxy: the gateway's central
// composition of instance selection, the layered resilience stack, header
// sanitization, and HTTP forwarding to a single backend service.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/canary-gateway/internal/breaker"
	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/gwerrors"
	"github.com/wudi/canary-gateway/internal/metrics"
	"github.com/wudi/canary-gateway/internal/ratelimit"
	"github.com/wudi/canary-gateway/internal/retry"
	"github.com/wudi/canary-gateway/internal/timeout"
)

var tracer = otel.Tracer("github.com/wudi/canary-gateway/internal/proxy")

// hopHeaders lists the headers stripped before forwarding, per §4.8:
// bodies are re-serialized and re-framed, so forwarding the client's
// framing/connection headers causes upstream read stalls.
var hopHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Expect",
	"Host",
	"Te",
	"Trailer",
}

func sanitizeHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// RequestTransform mutates an outbound request before it is sent.
type RequestTransform func(*http.Request)

// ResponseTransform mutates an inbound response before it reaches the caller.
type ResponseTransform func(*http.Response)

// Config parameterizes one Proxy instance, bound to a single service.
type Config struct {
	ServiceName   string
	DefaultFilter discovery.Filter
	StripPrefix   string
	AddPrefix     string
	Strategy      discovery.Strategy

	RateLimiter *ratelimit.Limiter // nil disables rate limiting
	Retry       *retry.Policy
	Breaker     *breaker.Breaker
	Timeout     *timeout.Wrapper

	RequestTransform  RequestTransform
	ResponseTransform ResponseTransform

	Metrics *metrics.Collector

	HTTPClient *http.Client
}

// Proxy composes instance selection with rate limiting, retry, circuit
// breaking and timeout layers, then forwards to a chosen backend instance.
type Proxy struct {
	serviceName   string
	defaultFilter discovery.Filter
	stripPrefix   string
	addPrefix     string
	strategy      discovery.Strategy

	discoveryClient *discovery.Client
	rateLimiter     *ratelimit.Limiter
	retryPolicy     *retry.Policy
	circuitBreaker  *breaker.Breaker
	timeoutWrapper  *timeout.Wrapper

	requestTransform  RequestTransform
	responseTransform ResponseTransform

	metricsCollector *metrics.Collector
	httpClient       *http.Client
}

// New creates a Proxy bound to discoveryClient and cfg.
func New(discoveryClient *discovery.Client, cfg Config) *Proxy {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Proxy{
		serviceName:       cfg.ServiceName,
		defaultFilter:     cfg.DefaultFilter,
		stripPrefix:       cfg.StripPrefix,
		addPrefix:         cfg.AddPrefix,
		strategy:          cfg.Strategy,
		discoveryClient:   discoveryClient,
		rateLimiter:       cfg.RateLimiter,
		retryPolicy:       cfg.Retry,
		circuitBreaker:    cfg.Breaker,
		timeoutWrapper:    cfg.Timeout,
		requestTransform:  cfg.RequestTransform,
		responseTransform: cfg.ResponseTransform,
		metricsCollector:  cfg.Metrics,
		httpClient:        httpClient,
	}
}

// Forward executes the full pipeline for req against the proxy's default
// service and filter.
func (p *Proxy) Forward(req *http.Request) (*http.Response, error) {
	return p.forward(req, p.defaultFilter, "")
}

// ForwardToVersion merges a version constraint into the metadata filter
// and forwards. The proxy's metrics collector is not broken down by
// version.
func (p *Proxy) ForwardToVersion(req *http.Request, version string, extraFilter *discovery.Filter) (*http.Response, error) {
	filter := p.defaultFilter
	if extraFilter != nil {
		filter = *extraFilter
	}
	if filter.Metadata == nil {
		filter.Metadata = make(map[string]string)
	} else {
		merged := make(map[string]string, len(filter.Metadata)+1)
		for k, v := range filter.Metadata {
			merged[k] = v
		}
		filter.Metadata = merged
	}
	filter.Metadata["version"] = version
	return p.forward(req, filter, version)
}

// ForwardWithFilter overrides the default filter entirely.
func (p *Proxy) ForwardWithFilter(req *http.Request, filter discovery.Filter) (*http.Response, error) {
	return p.forward(req, filter, "")
}

func (p *Proxy) forward(req *http.Request, filter discovery.Filter, version string) (*http.Response, error) {
	start := time.Now()

	if p.rateLimiter != nil && !p.rateLimiter.TryAcquire() {
		retryAfterMs := p.rateLimiter.GetRetryAfterMs()
		seconds := int(retryAfterMs/1000) + 1
		return nil, gwerrors.New(gwerrors.KindRateLimitExceeded, "rate limit exceeded").
			WithService(p.serviceName).WithRetryAfter(seconds)
	}

	if p.requestTransform != nil {
		p.requestTransform(req)
	}

	clientIP := clientIPOf(req)

	// Read the inbound body once, up front: req.Body is a single-use
	// reader, but a retried call re-enters doCall multiple times and each
	// attempt needs its own fresh copy to send upstream.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindUpstreamTransport, "failed to read request body", err).WithService(p.serviceName)
		}
		req.Body.Close()
	}

	// Wrap innermost to outermost: retry, then circuit breaker, then
	// timeout. The breaker must sit outside retry so that an exhausted
	// retry sequence counts as a single failure against it, not one
	// failure per attempt.
	call := func(ctx context.Context) (any, error) {
		return p.doCall(ctx, req, filter, clientIP, bodyBytes)
	}

	if p.retryPolicy != nil {
		inner := call
		call = func(ctx context.Context) (any, error) {
			return p.retryPolicy.Execute(ctx, isRetryableError, func() (any, error) { return inner(ctx) })
		}
	}
	if p.circuitBreaker != nil {
		inner := call
		call = func(ctx context.Context) (any, error) {
			return p.circuitBreaker.Execute(func() (any, error) { return inner(ctx) })
		}
	}

	var result any
	var err error
	if p.timeoutWrapper != nil {
		result, err = p.timeoutWrapper.Execute(req.Context(), call)
	} else {
		result, err = call(req.Context())
	}

	duration := time.Since(start)
	p.recordOutcome(result, err, duration)

	if err != nil {
		return nil, err
	}

	resp := result.(*http.Response)
	if p.responseTransform != nil {
		p.responseTransform(resp)
	}
	return resp, nil
}

// doCall performs instance discovery, URL assembly, header sanitization
// and the HTTP round trip — the innermost step of the pipeline.
func (p *Proxy) doCall(ctx context.Context, req *http.Request, filter discovery.Filter, clientIP string, bodyBytes []byte) (any, error) {
	ctx, span := tracer.Start(ctx, "proxy.forward",
		trace.WithAttributes(attribute.String("gateway.service", p.serviceName)))
	defer span.End()
	req = req.WithContext(ctx)

	inst, err := p.discoveryClient.GetInstance(ctx, p.serviceName, p.strategy, filter, clientIP)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("gateway.upstream.host", inst.Host), attribute.Int("gateway.upstream.port", inst.Port))

	upstreamReq, err := p.buildUpstreamRequest(req, inst, bodyBytes)
	if err != nil {
		err = gwerrors.Wrap(gwerrors.KindUpstreamTransport, "failed to build upstream request", err).WithService(p.serviceName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := p.httpClient.Do(upstreamReq)
	if err != nil {
		err = gwerrors.Wrap(gwerrors.KindUpstreamTransport, "upstream request failed", err).WithService(p.serviceName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (p *Proxy) buildUpstreamRequest(req *http.Request, inst *discovery.ServiceInstance, bodyBytes []byte) (*http.Request, error) {
	path := req.URL.Path
	if p.stripPrefix != "" {
		path = strings.TrimPrefix(path, p.stripPrefix)
	}
	if p.addPrefix != "" {
		path = p.addPrefix + path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	protocol := inst.Protocol
	if protocol == "" {
		protocol = "http"
	}
	hostPort := fmt.Sprintf("%s:%d", inst.Host, inst.Port)
	targetURL := fmt.Sprintf("%s://%s%s", protocol, hostPort, path)
	if req.URL.RawQuery != "" {
		targetURL += "?" + req.URL.RawQuery
	}

	var body io.ReadCloser
	if bodyBytes != nil {
		body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	upstreamReq, err := http.NewRequestWithContext(req.Context(), req.Method, targetURL, body)
	if err != nil {
		return nil, err
	}

	upstreamReq.Header = req.Header.Clone()
	upstreamReq.Host = hostPort
	sanitizeHeaders(upstreamReq.Header)

	if ip := clientIPOf(req); ip != "" {
		if prior := upstreamReq.Header.Get("X-Forwarded-For"); prior != "" {
			upstreamReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			upstreamReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	if req.TLS != nil {
		upstreamReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		upstreamReq.Header.Set("X-Forwarded-Proto", "http")
	}
	upstreamReq.Header.Set("X-Forwarded-Host", req.Host)

	otel.GetTextMapPropagator().Inject(upstreamReq.Context(), propagation.HeaderCarrier(upstreamReq.Header))

	return upstreamReq, nil
}

func clientIPOf(req *http.Request) string {
	if ip := req.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx >= 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	host := req.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

// isRetryableError classifies which gateway-produced errors the retry
// policy should attempt again: transport and timeout failures only, per
// §7 — circuit-open is never retried by the inner retry.
func isRetryableError(err error) bool {
	ge, ok := gwerrors.As(err)
	if !ok {
		return true // unclassified transport-level errors default to retryable
	}
	return ge.IsRetryable()
}

// recordOutcome records the call's outcome against the proxy's metrics
// collector: success for 2xx/3xx/4xx (upstream-attributed), failure for
// 5xx, transport errors, circuit-open and timeouts.
func (p *Proxy) recordOutcome(result any, err error, duration time.Duration) {
	if p.metricsCollector == nil {
		return
	}
	if err != nil {
		ge, _ := gwerrors.As(err)
		reason := "error"
		if ge != nil {
			reason = string(ge.Kind)
		}
		p.metricsCollector.RecordFailure(duration, reason)
		return
	}

	resp, ok := result.(*http.Response)
	if !ok {
		p.metricsCollector.RecordSuccess(duration)
		return
	}
	if resp.StatusCode >= 500 {
		p.metricsCollector.RecordFailure(duration, fmt.Sprintf("status-%d", resp.StatusCode))
		return
	}
	p.metricsCollector.RecordSuccess(duration)
}
