package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/wudi/canary-gateway/internal/config"
	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/events"
)

func splitHostPort(hostport string) (string, int) {
	idx := strings.LastIndex(hostport, ":")
	port, _ := strconv.Atoi(hostport[idx+1:])
	return hostport[:idx], port
}

func registerUpstream(t *testing.T, mem *discovery.Memory, service string, srv *httptest.Server, meta map[string]string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	host, port := splitHostPort(u.Host)
	mem.Register(nil, &discovery.ServiceInstance{
		ID:          srv.URL,
		ServiceName: service,
		Host:        host,
		Port:        port,
		Protocol:    "http",
		Status:      discovery.StatusUp,
		Metadata:    meta,
	})
}

func baseConfig(routes ...config.RouteConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.Resilience.DefaultRetry.MaxAttempts = 1
	cfg.Gateway.Routes = routes
	return cfg
}

func TestServeHTTPNoMatchingRouteReturns404(t *testing.T) {
	mem := discovery.NewMemory()
	cfg := baseConfig(config.RouteConfig{Path: "/api/users/**", ServiceName: "user-service"})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/billing", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "No matching gateway route" || body["path"] != "/billing" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestServeHTTPDirectProxySuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"name":"Alice"}`))
	}))
	defer upstream.Close()

	mem := discovery.NewMemory()
	registerUpstream(t, mem, "user-service", upstream, nil)

	cfg := baseConfig(config.RouteConfig{Path: "/api/users/**", ServiceName: "user-service"})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"name":"Alice"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	snap := gw.Snapshot()["/api/users/**"].Metrics
	if snap.TotalCalls != 1 || snap.SuccessCalls != 1 {
		t.Fatalf("expected one recorded success, got %+v", snap)
	}
}

func TestServeHTTPNoInstancesReturnsBadGateway(t *testing.T) {
	mem := discovery.NewMemory()
	cfg := baseConfig(config.RouteConfig{Path: "/api/users/**", ServiceName: "user-service"})

	var captured events.Event
	sink := events.FuncSink(func(e events.Event) { captured = e })

	gw, err := New(cfg, mem, sink, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "Bad Gateway" || body["service"] != "user-service" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if captured.Kind != events.KindRouteError {
		t.Fatalf("expected a route:error event, got %+v", captured)
	}
}

func TestServeHTTPRateLimitReturns429WithRetryAfter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	mem := discovery.NewMemory()
	registerUpstream(t, mem, "user-service", upstream, nil)

	cfg := baseConfig(config.RouteConfig{
		Path:        "/api/users/**",
		ServiceName: "user-service",
		RateLimit:   &config.RateLimitCfg{Strategy: "sliding-window", Max: 1, WindowMs: 60000},
	})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	first := httptest.NewRecorder()
	gw.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/users/1", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first call to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	gw.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/users/1", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > 60 {
		t.Fatalf("expected a sane Retry-After header, got %q", second.Header().Get("Retry-After"))
	}
}

func TestServeHTTPMethodNotAllowed(t *testing.T) {
	mem := discovery.NewMemory()
	cfg := baseConfig(config.RouteConfig{
		Path:        "/api/users/**",
		ServiceName: "user-service",
		Methods:     []string{"GET"},
	})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/users/1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestServeHTTPVersionHeaderRoutesToDarkLaunchInstance(t *testing.T) {
	v1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v1"))
	}))
	defer v1.Close()
	v2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v2"))
	}))
	defer v2.Close()

	mem := discovery.NewMemory()
	registerUpstream(t, mem, "user-service", v1, map[string]string{"version": "v1"})
	registerUpstream(t, mem, "user-service", v2, map[string]string{"version": "v2"})

	cfg := baseConfig(config.RouteConfig{
		Path:        "/api/users/**",
		ServiceName: "user-service",
		VersionRoute: &config.VersionRouteCfg{
			Header: "X-API-Version",
			Routes: map[string]config.VersionEntryCfg{
				"v1": {Weight: 100},
				"v2": {Weight: 0, AllowExplicit: true},
			},
		},
	})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	req.Header.Set("X-API-Version", "v2")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "v2" {
		t.Fatalf("expected explicit v2 routing despite weight 0, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServeHTTPHopByHopHeadersStrippedAndHostRewritten(t *testing.T) {
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotHeader.Set("Host", r.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	mem := discovery.NewMemory()
	registerUpstream(t, mem, "user-service", upstream, nil)

	cfg := baseConfig(config.RouteConfig{Path: "/api/users/**", ServiceName: "user-service"})
	gw, err := New(cfg, mem, events.NopSink{}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/users/1", strings.NewReader("123456789012"))
	req.Header.Set("Content-Length", "999")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotHeader.Get("Connection") != "" {
		t.Fatalf("expected Connection header stripped, got %q", gotHeader.Get("Connection"))
	}
	u, _ := url.Parse(upstream.URL)
	if gotHeader.Get("Host") != u.Host {
		t.Fatalf("expected upstream host header %q, got %q", u.Host, gotHeader.Get("Host"))
	}
}
