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

type fakeChecker struct {
	err   error
	delay time.Duration
}

func (f *fakeChecker) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func ready(t *testing.T, checks ReadinessChecks, ctx context.Context) (int, ReadinessResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, req)

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	for _, build := range []BuildInfo{{Version: "1.4.0", Commit: "abc1234"}, {}} {
		rec := httptest.NewRecorder()
		HandleHealth(build).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp HealthResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Code != http.StatusOK || resp.Status != "ok" {
			t.Errorf("health = %d %+v", rec.Code, resp)
		}
		wantVersion := build.Version
		if wantVersion == "" {
			wantVersion = "dev"
		}
		if resp.Version != wantVersion || resp.Commit != build.Commit {
			t.Errorf("build = %+v, want %s/%s", resp.BuildInfo, wantVersion, build.Commit)
		}
	}
}

func TestHandleReady(t *testing.T) {
	down := errors.New("connection refused")
	tests := []struct {
		name   string
		checks ReadinessChecks
		code   int
		status string
		probed int
	}{
		{
			name:   "all healthy",
			checks: ReadinessChecks{Backend: &fakeChecker{}, FlashStore: &fakeChecker{}, PreferenceStore: &fakeChecker{}, IdempotencyStore: &fakeChecker{}},
			code:   http.StatusOK, status: StatusReady, probed: 4,
		},
		{
			name:   "backend only",
			checks: ReadinessChecks{Backend: &fakeChecker{}},
			code:   http.StatusOK, status: StatusReady, probed: 1,
		},
		{
			name:   "no backend configured",
			checks: ReadinessChecks{},
			code:   http.StatusServiceUnavailable, status: StatusNotReady, probed: 1,
		},
		{
			name:   "backend down",
			checks: ReadinessChecks{Backend: &fakeChecker{err: down}, FlashStore: &fakeChecker{}},
			code:   http.StatusServiceUnavailable, status: StatusNotReady, probed: 2,
		},
		{
			name:   "preference store down",
			checks: ReadinessChecks{Backend: &fakeChecker{}, PreferenceStore: &fakeChecker{err: errors.New("database is locked")}},
			code:   http.StatusOK, status: StatusDegraded, probed: 2,
		},
		{
			name:   "backend and store down",
			checks: ReadinessChecks{Backend: &fakeChecker{err: down}, FlashStore: &fakeChecker{err: down}},
			code:   http.StatusServiceUnavailable, status: StatusNotReady, probed: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := ready(t, tc.checks, context.Background())
			if code != tc.code || resp.Status != tc.status {
				t.Errorf("got %d %q, want %d %q", code, resp.Status, tc.code, tc.status)
			}
			if len(resp.Checks) != tc.probed {
				t.Errorf("checks = %v, want %d", resp.Checks, tc.probed)
			}
			if !resp.Checks["backend"].Required {
				t.Error("backend probe should be required")
			}
		})
	}
}

func TestHandleReady_reportsFailure(t *testing.T) {
	_, resp := ready(t, ReadinessChecks{
		Backend:    &fakeChecker{err: errors.New("connection refused")},
		FlashStore: &fakeChecker{},
	}, context.Background())

	if got := resp.Checks["backend"]; got.Status != "error" || got.Error != "connection refused" {
		t.Errorf("backend = %+v", got)
	}
	if got := resp.Checks["flash_store"]; got.Status != "ok" || got.Required {
		t.Errorf("flash_store = %+v", got)
	}
}

func TestHandleReady_slowBackendIsNotReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	code, _ := ready(t, ReadinessChecks{Backend: &fakeChecker{delay: time.Minute}}, ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestHealthFunc(t *testing.T) {
	boom := errors.New("x")
	var checker HealthChecker = HealthFunc(func(context.Context) error { return boom })
	if err := checker.HealthCheck(context.Background()); err != boom {
		t.Errorf("err = %v", err)
	}
}
