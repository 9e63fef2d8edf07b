package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth(t *testing.T) {
	prev := [2]string{Version, Commit}
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = prev[0], prev[1] })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := HealthResponse{Status: "ok", Version: "1.2.3", Commit: "abc1234", Uptime: resp.Uptime}
	if rec.Code != http.StatusOK || resp != want || resp.Uptime == "" {
		t.Errorf("health = %d %+v", rec.Code, resp)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		OperationsLoaded: func() bool { return true },
		DataSources: map[string]HealthChecker{
			"countries": HealthCheckFunc(func(context.Context) error { return nil }),
		},
		IdempotencyStore: HealthCheckFunc(func(context.Context) error { return nil }),
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"operations", "datasource:countries", "idempotency_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("check %q = %+v, want ok", name, resp.Checks[name])
		}
	}
}

func TestHandleReady_noOperations(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		OperationsLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["operations"].Error == "" {
		t.Error("operations check should carry an error message")
	}
}

func TestHandleReady_nilOperationsCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestHandleReady_dataSourceDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		OperationsLoaded: func() bool { return true },
		DataSources: map[string]HealthChecker{
			"countries": HealthCheckFunc(func(context.Context) error { return nil }),
			"users":     HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
			"skipped":   nil,
		},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if got := resp.Checks["datasource:users"]; got.Status != "error" || got.Error != "connection refused" {
		t.Errorf("users check = %+v", got)
	}
	if resp.Checks["datasource:countries"].Status != "ok" {
		t.Error("countries check should be ok")
	}
	if _, ok := resp.Checks["datasource:skipped"]; ok {
		t.Error("nil checker should be skipped")
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	start := time.Now()
	_, resp := serveReady(t, ReadinessChecks{
		OperationsLoaded: func() bool { return true },
		IdempotencyStore: HealthCheckFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	if elapsed := time.Since(start); elapsed > checkTimeout+time.Second {
		t.Errorf("readiness took %v, want bounded by check timeout", elapsed)
	}
	if resp.Checks["idempotency_store"].Status != "error" {
		t.Error("timed out check should report error")
	}
}
