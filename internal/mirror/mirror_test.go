package mirror

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wudi/canary-gateway/internal/discovery"
)

func newDiscoveryClient(t *testing.T, inst *discovery.ServiceInstance) *discovery.Client {
	t.Helper()
	mem := discovery.NewMemory()
	if inst != nil {
		mem.Register(nil, inst)
	}
	client, err := discovery.New(mem, discovery.Config{})
	if err != nil {
		t.Fatalf("new discovery client: %v", err)
	}
	return client
}

func shadowInstance(t *testing.T, srv *httptest.Server, service string) *discovery.ServiceInstance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse shadow url: %v", err)
	}
	idx := strings.LastIndex(u.Host, ":")
	port, err := strconv.Atoi(u.Host[idx+1:])
	if err != nil {
		t.Fatalf("parse shadow port: %v", err)
	}
	return &discovery.ServiceInstance{
		ID: srv.URL, ServiceName: service, Host: u.Host[:idx], Port: port,
		Protocol: "http", Status: discovery.StatusUp,
	}
}

func TestShouldMirrorAlwaysSamplesAtOneHundredPercent(t *testing.T) {
	m := New(newDiscoveryClient(t, nil), Config{ServiceName: "users-shadow", Percentage: 100})
	for i := 0; i < 20; i++ {
		if !m.ShouldMirror() {
			t.Fatalf("expected 100%% sampling to always fire")
		}
	}
}

func TestShouldMirrorNeverSamplesAtZeroPercent(t *testing.T) {
	m := New(newDiscoveryClient(t, nil), Config{ServiceName: "users-shadow", Percentage: 0})
	for i := 0; i < 20; i++ {
		if m.ShouldMirror() {
			t.Fatalf("expected 0%% sampling to never fire")
		}
	}
}

func TestFireSkipsWhenShadowServiceHasNoInstances(t *testing.T) {
	var called bool
	shadow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer shadow.Close()

	// The client knows nothing about "users-shadow" — HasService is false.
	m := New(newDiscoveryClient(t, nil), Config{ServiceName: "users-shadow", Percentage: 100})

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	m.Fire(req, nil, &PrimaryResponse{StatusCode: 200})

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("expected shadow to never be called when service is unregistered")
	}
}

func TestFireWaitsForResponseWhenConfigured(t *testing.T) {
	var called bool
	shadow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if got := r.Header.Get("X-Mirror"); got != "true" {
			t.Errorf("expected X-Mirror header, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer shadow.Close()

	client := newDiscoveryClient(t, shadowInstance(t, shadow, "users-shadow"))
	m := New(client, Config{ServiceName: "users-shadow", Percentage: 100, WaitForResponse: true})

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	m.Fire(req, nil, &PrimaryResponse{StatusCode: 200})

	if !called {
		t.Fatalf("expected shadow request to have completed synchronously")
	}
}

func TestFireNeverPropagatesShadowFailure(t *testing.T) {
	// No server listening on this instance's port: the shadow call fails
	// to connect, but Fire must not panic or return an error to the caller.
	client := newDiscoveryClient(t, &discovery.ServiceInstance{
		ID: "dead", ServiceName: "users-shadow", Host: "127.0.0.1", Port: 1, Protocol: "http", Status: discovery.StatusUp,
	})
	m := New(client, Config{ServiceName: "users-shadow", Percentage: 100, WaitForResponse: true, Timeout: 50 * time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
	m.Fire(req, nil, &PrimaryResponse{StatusCode: 200})
}

func TestCompareDetectsStatusAndBodyMismatch(t *testing.T) {
	primary := &PrimaryResponse{StatusCode: 200, Body: []byte(`{"ok":true}`)}

	match := Compare(primary, 200, []byte(`{"ok":true}`))
	if !match.StatusMatch || !match.BodyMatch {
		t.Fatalf("expected identical responses to match, got %+v", match)
	}

	mismatch := Compare(primary, 500, []byte(`{"ok":false}`))
	if mismatch.StatusMatch || mismatch.BodyMatch {
		t.Fatalf("expected differing responses to mismatch, got %+v", mismatch)
	}
}
