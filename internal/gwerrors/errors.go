// Package gwerrors defines the gateway's own error kinds — the set of
// failures the gateway itself produces (as opposed to upstream responses,
// which are forwarded verbatim). Each kind maps to a fixed HTTP status and
// carries enough context to render the §7 body shape.
package gwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error identifier. Kinds are never
// merged — the orchestrator and resilience layers branch on Kind, not on
// HTTP status, since several kinds share a status code (502).
type Kind string

const (
	KindNoMatchingRoute     Kind = "no-matching-route"
	KindMethodNotAllowed    Kind = "method-not-allowed"
	KindRateLimitExceeded   Kind = "rate-limit-exceeded"
	KindNoInstancesAvail    Kind = "no-instances-available"
	KindCircuitOpen         Kind = "circuit-open"
	KindUpstreamTimeout     Kind = "upstream-timeout"
	KindUpstreamTransport   Kind = "upstream-transport-error"
)

// defaultStatus maps each kind to the HTTP status the gateway produces when
// the error reaches the orchestrator without being otherwise handled.
var defaultStatus = map[Kind]int{
	KindNoMatchingRoute:   http.StatusNotFound,
	KindMethodNotAllowed:  http.StatusMethodNotAllowed,
	KindRateLimitExceeded: http.StatusTooManyRequests,
	KindNoInstancesAvail:  http.StatusBadGateway,
	KindCircuitOpen:       http.StatusBadGateway,
	KindUpstreamTimeout:   http.StatusBadGateway,
	KindUpstreamTransport: http.StatusBadGateway,
}

// GatewayError is an error the gateway produces itself, distinct from an
// upstream response forwarded verbatim.
type GatewayError struct {
	Kind       Kind
	Status     int
	Message    string
	Service    string
	RetryAfter int // seconds; only meaningful for KindRateLimitExceeded
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.underlying }

// body is the §7 wire shape: {"error","message","service"}.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

// WriteJSON renders the error to w using its mapped status code.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(body{
		Error:   string(e.Kind),
		Message: e.Message,
		Service: e.Service,
	})
}

// New creates a GatewayError of the given kind with the default status.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Status: defaultStatus[kind], Message: message}
}

// Wrap attaches an underlying error for logging/unwrap purposes.
func Wrap(kind Kind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Status: defaultStatus[kind], Message: message, underlying: err}
}

// WithService returns a copy of e with Service set.
func (e *GatewayError) WithService(service string) *GatewayError {
	cp := *e
	cp.Service = service
	return &cp
}

// WithRetryAfter returns a copy of e with RetryAfter seconds set.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// WithStatus overrides the default HTTP status (e.g. circuit-open as 503
// instead of 502, per the host's preference — see §7).
func (e *GatewayError) WithStatus(status int) *GatewayError {
	cp := *e
	cp.Status = status
	return &cp
}

// As reports whether err is a *GatewayError, unwrapping standard error chains.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := errors.As(err, &ge)
	return ge, ok
}

// IsRetryable reports whether a gateway-produced error represents a
// transient upstream condition the retry policy should attempt again.
// circuit-open is deliberately excluded: retries never happen inside an
// open breaker (the breaker wraps retry, not vice versa — see §4.8).
func (e *GatewayError) IsRetryable() bool {
	switch e.Kind {
	case KindUpstreamTimeout, KindUpstreamTransport:
		return true
	default:
		return false
	}
}
