package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wudi/canary-gateway/internal/breaker"
	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/gwerrors"
	"github.com/wudi/canary-gateway/internal/metrics"
	"github.com/wudi/canary-gateway/internal/ratelimit"
	"github.com/wudi/canary-gateway/internal/retry"
	"github.com/wudi/canary-gateway/internal/timeout"
)

func upstreamInstance(t *testing.T, srv *httptest.Server) *discovery.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return &discovery.ServiceInstance{ID: "1", ServiceName: "svc", Host: host, Port: port, Protocol: "http", Status: discovery.StatusUp}
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func newClientWith(t *testing.T, inst *discovery.ServiceInstance) *discovery.Client {
	t.Helper()
	mem := discovery.NewMemory()
	mem.Register(nil, inst)
	client, err := discovery.New(mem, discovery.Config{})
	if err != nil {
		t.Fatalf("new discovery client: %v", err)
	}
	return client
}

func TestForwardSuccessStripsHopHeadersAndAddsForwardedFor(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	p := New(client, Config{ServiceName: "svc"})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Content-Length", "0")

	resp, err := p.Forward(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotHeader.Get("Connection") != "" {
		t.Fatalf("expected Connection header stripped")
	}
	if gotHeader.Get("X-Forwarded-For") != "10.0.0.5" {
		t.Fatalf("expected X-Forwarded-For set, got %q", gotHeader.Get("X-Forwarded-For"))
	}
}

func TestForwardNoInstancesAvailable(t *testing.T) {
	mem := discovery.NewMemory()
	client, err := discovery.New(mem, discovery.Config{})
	if err != nil {
		t.Fatalf("new discovery client: %v", err)
	}
	p := New(client, Config{ServiceName: "missing"})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err = p.Forward(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindNoInstancesAvail {
		t.Fatalf("expected no-instances-available, got %v", err)
	}
}

func TestForwardRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	p := New(client, Config{ServiceName: "svc", RateLimiter: ratelimit.New(0, time.Second)})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err := p.Forward(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindRateLimitExceeded {
		t.Fatalf("expected rate-limit-exceeded, got %v", err)
	}
}

func TestForward5xxRecordsFailureMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	collector := metrics.New(time.Minute)
	p := New(client, Config{ServiceName: "svc", Metrics: collector})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	resp, err := p.Forward(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	snap := collector.GetSnapshot()
	if snap.FailureCalls != 1 {
		t.Fatalf("expected one recorded failure, got %+v", snap)
	}
}

func TestForwardStripAndAddPrefix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	p := New(client, Config{ServiceName: "svc", StripPrefix: "/api", AddPrefix: "/internal"})

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/1", nil)
	resp, err := p.Forward(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if gotPath != "/internal/widgets/1" {
		t.Fatalf("expected rewritten path, got %q", gotPath)
	}
}

func TestForwardTimeoutWrapsSlowUpstream(t *testing.T) {
	cancelled := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			cancelled <- true
		case <-time.After(200 * time.Millisecond):
			cancelled <- false
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	p := New(client, Config{ServiceName: "svc", Timeout: timeout.New(5 * time.Millisecond)})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err := p.Forward(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindUpstreamTimeout {
		t.Fatalf("expected upstream-timeout, got %v", err)
	}

	select {
	case sawCancel := <-cancelled:
		if !sawCancel {
			t.Fatal("expected upstream request context to be cancelled on timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("upstream handler never observed request completion")
	}
}

func TestForwardRetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			// Hang up without a response so the first attempt fails at the
			// transport level, which the retry policy treats as transient.
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)
	p := New(client, Config{ServiceName: "svc", Retry: retry.New(retry.Config{MaxAttempts: 3, BaseMs: 1, MaxMs: 5})})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	resp, err := p.Forward(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if attempts != 2 {
		t.Fatalf("expected one retry after the transport failure, got %d attempts", attempts)
	}
}

func TestForwardBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inst := upstreamInstance(t, srv)
	client := newClientWith(t, inst)

	// Breaker only trips on errors the thunk returns, not on 5xx status
	// codes recorded purely for metrics — so drive it via a transport
	// error: point at an address nothing listens on.
	deadInst := &discovery.ServiceInstance{ID: "2", ServiceName: "dead", Host: "127.0.0.1", Port: 1, Protocol: "http", Status: discovery.StatusUp}
	mem := discovery.NewMemory()
	mem.Register(nil, deadInst)
	deadClient, err := discovery.New(mem, discovery.Config{})
	if err != nil {
		t.Fatalf("new discovery client: %v", err)
	}

	registry := breaker.NewRegistry(nil)
	cb := registry.GetOrCreate("gateway:dead", breaker.Config{FailureThreshold: 2, CooldownMs: 10_000, HalfOpenMaxCalls: 1})
	p := New(deadClient, Config{ServiceName: "dead", Breaker: cb})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		_, _ = p.Forward(req)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err = p.Forward(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindCircuitOpen {
		t.Fatalf("expected circuit-open after repeated failures, got %v", err)
	}
	_ = inst
}
