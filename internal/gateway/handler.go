package gateway

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/canary-gateway/internal/canary"
	"github.com/wudi/canary-gateway/internal/events"
	"github.com/wudi/canary-gateway/internal/gwerrors"
	"github.com/wudi/canary-gateway/internal/matcher"
	"github.com/wudi/canary-gateway/internal/metrics"
	"github.com/wudi/canary-gateway/internal/mirror"
	"github.com/wudi/canary-gateway/internal/version"
)

// ServeHTTP is the Gateway Orchestrator's single entry point: normalize,
// match, authorize the method, dispatch via canary/version/direct, then
// record metrics and fire the mirror. HTTP server bootstrapping (the
// listener, TLS, graceful shutdown) is the host's concern — this method
// only ever consumes one already-accepted request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	path := matcher.NormalizePath(r.URL.Path)

	route, _ := g.findRoute(path)
	if route == nil {
		g.logger.Debug("no matching gateway route", zap.String("path", path), zap.String("request_id", requestID))
		writeNotFound(w, path)
		return
	}

	if len(route.Methods) > 0 && !route.Methods[r.Method] {
		writeMethodNotAllowed(w, path)
		return
	}

	// Read the body once here so the mirror (fired after the primary
	// response is produced) has its own copy — the proxy drains r.Body
	// independently, a second time, on the forwarding path below.
	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	resp, dispatchedVersion, versionEntry, err := g.dispatch(route, r)
	if err != nil {
		g.emitError(route, err)
		ge, ok := gwerrors.As(err)
		if !ok {
			ge = gwerrors.Wrap(gwerrors.KindUpstreamTransport, err.Error(), err)
		}
		if ge.Service == "" {
			ge = ge.WithService(route.ServiceName)
		}
		writeGatewayError(w, ge)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if dispatchedVersion != "" {
		recordVersionOutcome(route.versionMetrics.collectorFor(dispatchedVersion), resp.StatusCode)
	}

	version.InjectDeprecationHeaders(w, versionEntry)
	copyResponse(w, resp, respBody)

	if route.Mirror != nil && route.Mirror.ShouldMirror() {
		mirrorReq := r.Clone(r.Context())
		mirrorReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		route.Mirror.Fire(mirrorReq, bodyBytes, &mirror.PrimaryResponse{StatusCode: resp.StatusCode, Body: respBody})
	}
}

// dispatch selects the canary engine, the version router, or the direct
// proxy path, per §4.12 step 3's precedence, and returns the upstream
// response, whatever version string (if any) was used, and the resolved
// version-router entry (for deprecation headers), so the caller can tag
// metrics and finish the response.
func (g *Gateway) dispatch(route *Route, r *http.Request) (*http.Response, string, *version.Entry, error) {
	switch {
	case route.Canary != nil:
		resp, ver, err := g.dispatchCanary(route, r)
		return resp, ver, nil, err
	case route.VersionRouter != nil:
		return g.dispatchVersion(route, r)
	default:
		resp, err := route.Proxy.Forward(r)
		return resp, "", nil, err
	}
}

func (g *Gateway) dispatchCanary(route *Route, r *http.Request) (*http.Response, string, error) {
	target := route.Canary.SelectVersion()
	ver := route.Canary.GetVersion(target)

	start := time.Now()
	resp, err := route.Proxy.ForwardToVersion(r, ver, nil)
	duration := time.Since(start)

	recordCanaryOutcome(route.Canary, target, resp, err, duration)

	return resp, ver, err
}

func (g *Gateway) dispatchVersion(route *Route, r *http.Request) (*http.Response, string, *version.Entry, error) {
	resolution := route.VersionRouter.Resolve(r)
	entry, _ := route.VersionRouter.GetVersionEntry(resolution.Version)

	resp, err := route.Proxy.ForwardToVersion(r, resolution.Version, nil)
	return resp, resolution.Version, entry, err
}

// recordCanaryOutcome feeds the engine's per-target metrics collector,
// per §4.10's "the orchestrator calls recordSuccess/recordFailure".
func recordCanaryOutcome(c *canary.Controller, target canary.Target, resp *http.Response, err error, duration time.Duration) {
	if err != nil {
		ge, _ := gwerrors.As(err)
		reason := "error"
		if ge != nil {
			reason = string(ge.Kind)
		}
		c.RecordFailure(target, duration, reason)
		return
	}
	if resp.StatusCode >= 500 {
		c.RecordFailure(target, duration, "status-5xx")
		return
	}
	c.RecordSuccess(target, duration)
}

// recordVersionOutcome records the §4.12 step-3 "gateway metrics tagged
// with version" dimension. Duration isn't double-counted against the
// route's aggregate window (the proxy already timed the call for that);
// this collector exists purely for the per-version failure-rate view.
func recordVersionOutcome(collector *metrics.Collector, statusCode int) {
	if statusCode >= 500 {
		collector.RecordFailure(0, "status-5xx")
		return
	}
	collector.RecordSuccess(0)
}

// copyResponse writes the upstream response verbatim to w: status,
// headers (each value of a multi-valued header is added separately, so it
// goes out as its own header line), and body.
func copyResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	dst := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// emitError emits route:error for any thrown error, plus the more
// specific rate-limit:exceeded / route:timeout events the §6 event
// catalogue names for those particular kinds.
func (g *Gateway) emitError(route *Route, err error) {
	ge, ok := gwerrors.As(err)
	kind := "error"
	message := err.Error()
	if ok {
		kind = string(ge.Kind)
		message = ge.Message
		switch ge.Kind {
		case gwerrors.KindRateLimitExceeded:
			g.emit(events.KindRateLimitExceeded, route.ID, route.ServiceName, map[string]any{"message": message})
		case gwerrors.KindUpstreamTimeout:
			g.emit(events.KindRouteTimeout, route.ID, route.ServiceName, map[string]any{"message": message})
		}
	}
	g.emit(events.KindRouteError, route.ID, route.ServiceName, map[string]any{"error": kind, "message": message})
}

func (g *Gateway) emit(kind events.Kind, route, service string, data map[string]any) {
	g.sink.Emit(events.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Route:     route,
		Service:   service,
		Data:      data,
	})
}
