// Package mirror implements traffic mirroring: sampling a percentage of
// requests and replaying them, fire-and-forget, against a shadow service.
// Mirroring never blocks or alters the primary response.
package mirror

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/wudi/canary-gateway/internal/discovery"
	"github.com/wudi/canary-gateway/internal/logging"
)

// PrimaryResponse is the subset of the primary response's shape needed
// for optional comparison against the shadow response.
type PrimaryResponse struct {
	StatusCode int
	Body       []byte
}

// ComparisonResult reports whether a shadow response matched the primary
// response along the dimensions the gateway checks.
type ComparisonResult struct {
	StatusMatch bool
	BodyMatch   bool
}

// Compare diffs a primary response against a shadow response's status
// and body.
func Compare(primary *PrimaryResponse, shadowStatus int, shadowBody []byte) ComparisonResult {
	return ComparisonResult{
		StatusMatch: primary.StatusCode == shadowStatus,
		BodyMatch:   bytes.Equal(primary.Body, shadowBody),
	}
}

// Config parameterizes one route's mirror.
type Config struct {
	ServiceName     string
	Percentage      int // 0-100
	WaitForResponse bool
	Compare         bool
	Timeout         time.Duration
}

// Mirror samples requests by percentage and replays sampled copies
// against instances of ServiceName, independent of the primary path.
type Mirror struct {
	cfg             Config
	discoveryClient *discovery.Client
	httpClient      *http.Client
}

// New creates a Mirror bound to discoveryClient and cfg.
func New(discoveryClient *discovery.Client, cfg Config) *Mirror {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cfg.Timeout = timeout
	return &Mirror{
		cfg:             cfg,
		discoveryClient: discoveryClient,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ShouldMirror reports whether this request is sampled for mirroring.
func (m *Mirror) ShouldMirror() bool {
	if m.cfg.Percentage <= 0 {
		return false
	}
	if m.cfg.Percentage >= 100 {
		return true
	}
	return rand.Intn(100) < m.cfg.Percentage
}

// Fire sends a shadow copy of req to an instance of the mirror's service.
// When cfg.WaitForResponse is false (the default), Fire dispatches the
// copy on its own goroutine via an errgroup and returns immediately —
// the primary response path never observes its outcome. When true, Fire
// blocks until the shadow call completes or its independent timeout
// expires, still without propagating any error to the caller.
func (m *Mirror) Fire(req *http.Request, body []byte, primary *PrimaryResponse) {
	if !m.discoveryClient.HasService(m.cfg.ServiceName) {
		return
	}

	send := func() error {
		m.send(req, body, primary)
		return nil
	}

	if m.cfg.WaitForResponse {
		var g errgroup.Group
		g.Go(send)
		_ = g.Wait()
		return
	}

	var g errgroup.Group
	g.Go(send)
}

func (m *Mirror) send(req *http.Request, body []byte, primary *PrimaryResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	inst, err := m.discoveryClient.GetInstance(ctx, m.cfg.ServiceName, "", discovery.Filter{}, "")
	if err != nil {
		return
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	protocol := inst.Protocol
	if protocol == "" {
		protocol = "http"
	}
	targetURL := protocol + "://" + inst.Host + ":" + itoa(inst.Port) + req.URL.Path
	if req.URL.RawQuery != "" {
		targetURL += "?" + req.URL.RawQuery
	}

	shadowReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bodyReader)
	if err != nil {
		return
	}
	shadowReq.Header = req.Header.Clone()
	shadowReq.Header.Set("X-Mirror", "true")
	shadowReq.Header.Set("X-Mirror-Source", "gateway")

	resp, err := m.httpClient.Do(shadowReq)
	if err != nil {
		return // shadow failures never affect the primary path
	}
	defer resp.Body.Close()

	if m.cfg.Compare && primary != nil {
		shadowBody, _ := io.ReadAll(resp.Body)
		result := Compare(primary, resp.StatusCode, shadowBody)
		if !result.StatusMatch || !result.BodyMatch {
			logging.Warn("mirror response mismatch",
				zap.String("service", m.cfg.ServiceName),
				zap.String("path", req.URL.Path),
				zap.Bool("status_match", result.StatusMatch),
				zap.Bool("body_match", result.BodyMatch),
				zap.Int("primary_status", primary.StatusCode),
				zap.Int("shadow_status", resp.StatusCode),
			)
		}
		return
	}

	io.Copy(io.Discard, resp.Body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
