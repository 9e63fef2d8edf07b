package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set at link time by the opgraph binary.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

// ReadinessResponse is the readiness body. Checks is keyed by check name:
// "operations", "datasource:<namespace>" and "idempotency_store".
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready probes. OperationsLoaded is mandatory;
// a nil func counts as not loaded. Nil checkers are skipped.
type ReadinessChecks struct {
	OperationsLoaded func() bool
	DataSources      map[string]HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

type namedCheck struct {
	name  string
	check HealthChecker
}

func (c ReadinessChecks) list() []namedCheck {
	loaded := c.OperationsLoaded
	out := []namedCheck{{"operations", HealthCheckFunc(func(context.Context) error {
		if loaded == nil || !loaded() {
			return errNoOperations
		}
		return nil
	})}}
	for ns, hc := range c.DataSources {
		if hc != nil {
			out = append(out, namedCheck{"datasource:" + ns, hc})
		}
	}
	if c.IdempotencyStore != nil {
		out = append(out, namedCheck{"idempotency_store", c.IdempotencyStore})
	}
	return out
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errNoOperations = healthError("no operations registered")

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
			Uptime:  time.Since(startedAt).Truncate(time.Second).String(),
		})
	}
}

// HandleReady serves readiness. Checks run concurrently, each bounded by
// its own timeout; any failure makes the response 503 not_ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		results := make([]CheckResult, len(list))

		var g errgroup.Group
		for i, c := range list {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), c.check)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		status := http.StatusOK
		for i, c := range list {
			resp.Checks[c.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
