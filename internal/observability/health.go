package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

const checkTimeout = 2 * time.Second

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
	BuildInfo
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker probes a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready probes. The console cannot serve a page
// without the monitoring backend. The stores only carry flash messages,
// display preferences and replay protection, and the console keeps working
// when they fail, so their failures only degrade readiness.
type ReadinessChecks struct {
	Backend HealthChecker

	FlashStore       HealthChecker
	PreferenceStore  HealthChecker
	IdempotencyStore HealthChecker
}

type probe struct {
	name     string
	checker  HealthChecker
	required bool
}

func (c ReadinessChecks) probes() []probe {
	out := []probe{{name: "backend", checker: c.Backend, required: true}}
	for _, p := range []probe{
		{name: "flash_store", checker: c.FlashStore},
		{name: "preference_store", checker: c.PreferenceStore},
		{name: "idempotency_store", checker: c.IdempotencyStore},
	} {
		if p.checker != nil {
			out = append(out, p)
		}
	}
	return out
}

// HandleHealth serves liveness with the build identity.
func HandleHealth(build BuildInfo) http.HandlerFunc {
	if build.Version == "" {
		build.Version = "dev"
	}
	started := time.Now()
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			BuildInfo:     build,
			UptimeSeconds: int64(time.Since(started).Seconds()),
		})
	}
}

// HandleReady probes all dependencies concurrently, each under its own
// timeout. A failed backend answers 503; failed stores answer 200 with
// status "degraded".
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))
		var mu sync.Mutex
		var g errgroup.Group
		for _, p := range probes {
			g.Go(func() error {
				res := runProbe(r.Context(), p)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			switch {
			case res.Status == "ok":
			case res.Required:
				status, code = StatusNotReady, http.StatusServiceUnavailable
			case status == StatusReady:
				status = StatusDegraded
			}
		}
		writeJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runProbe(parent context.Context, p probe) CheckResult {
	res := CheckResult{Status: "ok", Required: p.required}
	if p.checker == nil {
		res.Status, res.Error = "error", "not configured"
		return res
	}
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.checker.HealthCheck(ctx)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
