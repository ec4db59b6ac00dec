package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wudi/canary-gateway/internal/gwerrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeNotFound renders the §8 scenario-1 shape: {"error","path"}, a
// distinct body from the generic gateway-error format because no route
// (and so no service) was ever identified.
func writeNotFound(w http.ResponseWriter, path string) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "No matching gateway route",
		"path":  path,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, path string) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
		"path":  path,
	})
}

// writeGatewayError renders a *gwerrors.GatewayError at the orchestrator
// boundary. The "error" field carries the HTTP status's conventional
// text (§8 scenario 3 expects exactly "Bad Gateway" for a 502, which is
// http.StatusText(502) — not the finer-grained Kind, which remains
// available internally for retry/breaker classification and for the
// route:error event payload).
func writeGatewayError(w http.ResponseWriter, ge *gwerrors.GatewayError) {
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	writeJSON(w, ge.Status, map[string]string{
		"error":   http.StatusText(ge.Status),
		"message": ge.Message,
		"service": ge.Service,
	})
}
