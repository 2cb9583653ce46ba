// Package health serves the gateway's liveness and readiness probes.
//
//   - /healthz: liveness; 200 whenever the process can serve HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes
//     (model loaded, scheduler queue not saturated).
//
// Responses are JSON with a "status" field ("ok" or "fail") and a per-check
// "checks" map.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name appears as the key in the /readyz JSON response.
	Name string

	// Check probes the dependency and must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// queueStater is the scheduler surface the queue check needs.
type queueStater interface {
	QueueLen() int
	QueueCap() int
}

// SchedulerCheck reports failure while the inference queue is saturated: a
// full queue means new work would be rejected, so the instance should be
// taken out of rotation.
func SchedulerCheck(s queueStater) Checker {
	return Checker{
		Name: "scheduler",
		Check: func(context.Context) error {
			if s.QueueLen() >= s.QueueCap() {
				return errors.New("inference queue saturated")
			}
			return nil
		},
	}
}

// ModelCheck reports failure until loaded returns true, keeping the instance
// unready through model load and warmup.
func ModelCheck(loaded func() bool) Checker {
	return Checker{
		Name: "model",
		Check: func(context.Context) error {
			if !loaded() {
				return errors.New("model not loaded")
			}
			return nil
		},
	}
}

// result is the JSON body of both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates the configured checkers on each /readyz request. Safe for
// concurrent use; the checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler. Checkers run sequentially in the given order.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200: a process that answers is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Each check gets a
// bounded context derived from the request.
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

	res := result{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !allOK {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
