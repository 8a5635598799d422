// Package health provides HTTP liveness and readiness handlers for a
// vicinity server.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the component
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "tick", "capacity").
	Name string

	// Check inspects the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ErrStale is returned by [TickFreshness] when the logic loop stopped
// ticking.
var ErrStale = errors.New("health: tick loop stalled")

// ErrFull is returned by [Capacity] when no more entities fit.
var ErrFull = errors.New("health: world full")

// TickFreshness reports unhealthy when the last tick is older than maxAge.
// A zero last tick means the loop has not started yet and also fails.
func TickFreshness(last func() time.Time, maxAge time.Duration) Checker {
	return Checker{
		Name: "tick",
		Check: func(context.Context) error {
			t := last()
			if t.IsZero() {
				return fmt.Errorf("%w: no tick yet", ErrStale)
			}
			if age := time.Since(t); age > maxAge {
				return fmt.Errorf("%w: last tick %s ago", ErrStale, age.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// Capacity reports unhealthy once used reaches limit. A non-positive limit
// never fails.
func Capacity(used func() int, limit int) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if n := used(); limit > 0 && n >= limit {
				return fmt.Errorf("%w: %d/%d entities", ErrFull, n, limit)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker gets a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
