// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Check] passes.
//
// Readiness responses carry a top-level "status" field ("ok" or "fail") and
// one entry per check with its outcome and probe latency. Checks run
// concurrently; a slow dependency delays the response but never blocks the
// other probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 3 * time.Second

// Check probes one dependency. It must return nil when the dependency is
// healthy and respect context cancellation.
type Check func(ctx context.Context) error

// checkResult is the per-check entry in the readiness response.
type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// response is the JSON body for both endpoints.
type response struct {
	Status  string        `json:"status"`
	UptimeS int64         `json:"uptime_s,omitempty"`
	Checks  []checkResult `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. Checks may be added
// while the handler is serving; all methods are safe for concurrent use.
type Handler struct {
	started time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// New creates an empty Handler. Register dependencies with [Handler.Add].
func New() *Handler {
	return &Handler{
		started: time.Now(),
		checks:  make(map[string]Check),
	}
}

// Add registers a named readiness check, replacing any previous check with
// the same name.
func (h *Handler) Add(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status:  "ok",
		UptimeS: int64(time.Since(h.started).Seconds()),
	})
}

// Readyz is a readiness probe that returns 200 only when every registered
// check passes. Each check runs in its own goroutine with a [probeTimeout]
// deadline derived from the request context; results are reported in name
// order regardless of completion order.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		names = append(names, name)
		checks[name] = check
	}
	h.mu.RUnlock()
	slices.Sort(names)

	results := make([]checkResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()

			start := time.Now()
			err := checks[name](ctx)
			res := checkResult{
				Name:       name,
				Status:     "ok",
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	res := response{Status: "ok", Checks: results}
	status := http.StatusOK
	for _, c := range results {
		if c.Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
