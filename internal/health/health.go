// Package health provides the worker's HTTP status surface.
//
// Endpoints:
//
//   - /health  — liveness + identity: status, worker id, mode, timestamp.
//   - /readyz  — readiness; 200 only when all registered [Checker]
//     functions pass.
//   - /metrics — Prometheus scrape endpoint.
//
// Responses are JSON except /metrics, which uses the Prometheus text
// exposition format.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named health check. Check returns nil when the
// dependency is healthy.
type Checker struct {
	// Name appears as a key in the /readyz JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// status is the /health response body.
type status struct {
	Status    string `json:"status"`
	WorkerID  string `json:"workerId"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// readiness is the /readyz response body.
type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the status endpoints. Safe for concurrent use; the
// checker list is fixed at construction.
type Handler struct {
	workerID string
	mode     string
	checkers []Checker
	now      func() time.Time
}

// New creates a Handler reporting the given worker identity.
func New(workerID, mode string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{workerID: workerID, mode: mode, checkers: c, now: time.Now}
}

// Health reports liveness and worker identity. A process that can
// serve HTTP is alive.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Status:    "ok",
		WorkerID:  h.workerID,
		Mode:      h.mode,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Readyz returns 200 only when every registered checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := readiness{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !allOK {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Register adds the status routes to mux. Unregistered paths fall
// through to the mux's 404.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
