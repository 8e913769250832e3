// Package integration provides a reusable test harness for end-to-end
// testing of the monitoring console. It starts the full HTTP stack against
// a mock JSON-RPC monitoring server, with in-memory session stores and a
// test token issuer.
package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/backend"
	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/internal/controllers"
	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/session"
	"github.com/pitabwire/watchtower/internal/transport"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

const (
	testJWTSecret  = "integration-jwt-secret"
	testCSRFSecret = "integration-csrf-secret"
)

// Principal identifies a console user in tests.
type Principal struct {
	Subject  string
	Username string
	UserType model.UserType
	Roles    []string
}

// SessionID is the session the principal's tokens carry.
func (p Principal) SessionID() string {
	return "sess-" + p.Subject
}

// SuperAdmin sees and edits everything.
func SuperAdmin() Principal {
	return Principal{Subject: "u-root", Username: "root", UserType: model.UserTypeSuperAdmin}
}

// Admin sees only what it has been granted.
func Admin() Principal {
	return Principal{Subject: "u-admin", Username: "admin", UserType: model.UserTypeAdmin}
}

// Operator is a plain user.
func Operator() Principal {
	return Principal{Subject: "u-op", Username: "operator", UserType: model.UserTypeUser}
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessOptions)

type harnessOptions struct {
	idempotency      bool
	handlerTimeout   time.Duration
	backendTimeout   time.Duration
	failureThreshold int
	breakerTimeout   time.Duration
}

// WithIdempotency enables replay of mutating actions carrying a key.
func WithIdempotency() HarnessOption {
	return func(o *harnessOptions) { o.idempotency = true }
}

// WithHandlerTimeout sets the per-request deadline.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(o *harnessOptions) { o.handlerTimeout = d }
}

// WithBackendTimeout sets the client timeout of the RPC backend.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(o *harnessOptions) { o.backendTimeout = d }
}

// WithBreaker sets the failure threshold and open period of the circuit
// breaker in front of the RPC backend.
func WithBreaker(failures int, timeout time.Duration) HarnessOption {
	return func(o *harnessOptions) {
		o.failureThreshold = failures
		o.breakerTimeout = timeout
	}
}

// TestHarness runs the console over a mock monitoring server.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	monitor  *MockMonitor
	breaker  *backend.CircuitBreaker
	csrf     *session.CSRF
	identity config.IdentityConfig
	client   *http.Client
}

// NewTestHarness creates and starts a fully wired console.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	o := harnessOptions{
		handlerTimeout:   10 * time.Second,
		backendTimeout:   5 * time.Second,
		failureThreshold: 5,
		breakerTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	cfg := config.Defaults()
	cfg.Identity.Issuer = "watchtower"
	cfg.Identity.Audience = "console"
	cfg.Identity.Secret = testJWTSecret
	cfg.Session.CSRFSecret = testCSRFSecret
	cfg.Server.HandlerTimeout = o.handlerTimeout
	cfg.Backend.Driver = "rpc"
	cfg.Capability.StaticPolicyFile = filepath.Join(repoRoot(), "internal", "capability", "testdata", "policies.yaml")

	monitor := newMockMonitor(t)
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	breaker := backend.NewCircuitBreaker(o.failureThreshold, 1, o.breakerTimeout,
		backend.WithStateListener(func(s backend.BreakerState) {
			metrics.SetBackendCircuitBreakerState("rpc", float64(s))
		}),
	)
	back := backend.Instrument(backend.NewRPC(monitor.URL(), "", o.backendTimeout, breaker), "rpc", metrics)

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	resolver := capability.NewResolver(evaluator, time.Minute, capability.WithCacheRecorder(metrics))

	csrf, err := session.NewCSRF(cfg.Session.CSRFSecret)
	if err != nil {
		t.Fatalf("csrf: %v", err)
	}
	validator := validate.NewValidator(logger)
	actions, err := controllers.NewRegistry(controllers.Deps{
		Validator:    validator,
		Audit:        audit.NewRecorder(logger),
		Capabilities: resolver,
	})
	if err != nil {
		t.Fatalf("controllers: %v", err)
	}
	views, err := transport.NewViews(nil)
	if err != nil {
		t.Fatalf("views: %v", err)
	}

	flash := session.NewMemoryFlashStore(time.Minute)
	preferences := prefs.NewMemoryStore()
	services := &pipeline.Services{
		Validator:      validator,
		CSRF:           csrf,
		IdempotencyTTL: time.Hour,
		Metrics:        metrics,
		Logger:         logger,
	}
	readiness := observability.ReadinessChecks{
		Backend:         back,
		FlashStore:      flash,
		PreferenceStore: preferences,
	}
	if o.idempotency {
		store := pipeline.NewMemoryIdempotencyStore()
		services.Idempotency = store
		readiness.IdempotencyStore = store
	}

	console := transport.NewConsole(transport.ConsoleDeps{
		Actions:     actions,
		Services:    services,
		Backend:     back,
		Preferences: preferences,
		Flash:       flash,
		Views:       views,
		CSRF:        csrf,
		Logger:      logger,
	})
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity),
		CapabilityResolver: resolver,
		Console:            console,
		Metrics:            metrics,
		Readiness:          readiness,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:        t,
		server:   server,
		monitor:  monitor,
		breaker:  breaker,
		csrf:     csrf,
		identity: cfg.Identity,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Monitor returns the mock monitoring server.
func (h *TestHarness) Monitor() *MockMonitor {
	return h.monitor
}

// Breaker returns the circuit breaker guarding the backend.
func (h *TestHarness) Breaker() *backend.CircuitBreaker {
	return h.breaker
}

// Token issues a valid session token for p.
func (h *TestHarness) Token(p Principal) string {
	return h.issue(p, time.Hour)
}

// ExpiredToken issues a session token for p that expired an hour ago.
func (h *TestHarness) ExpiredToken(p Principal) string {
	return h.issue(p, -time.Hour)
}

func (h *TestHarness) issue(p Principal, ttl time.Duration) string {
	h.t.Helper()
	token, err := transport.IssueToken(h.identity, p.Subject, transport.SessionClaims{
		Username:  p.Username,
		UserType:  int(p.UserType),
		Roles:     p.Roles,
		SessionID: p.SessionID(),
	}, ttl)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return token
}

// CSRFToken returns the anti-forgery token of p's session.
func (h *TestHarness) CSRFToken(p Principal) string {
	return h.csrf.Token(p.SessionID())
}

// --- HTTP client helpers ---

// GET performs a GET request with p's session.
func (h *TestHarness) GET(path string, p Principal) *http.Response {
	h.t.Helper()
	return h.Do("GET", path, h.Token(p), nil, nil)
}

// Submit posts form with p's session and anti-forgery token.
func (h *TestHarness) Submit(path string, p Principal, form url.Values) *http.Response {
	h.t.Helper()
	return h.SubmitWithHeaders(path, p, form, nil)
}

// SubmitWithHeaders is Submit with additional request headers.
func (h *TestHarness) SubmitWithHeaders(path string, p Principal, form url.Values, headers map[string]string) *http.Response {
	h.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", h.CSRFToken(p))
	return h.Do("POST", path, h.Token(p), form, headers)
}

// Do performs a request carrying token in the session cookie. An empty
// token sends no cookie; a non-nil form is sent url-encoded.
func (h *TestHarness) Do(method, path, token string, form url.Values, headers map[string]string) *http.Response {
	h.t.Helper()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: h.identity.CookieName, Value: token})
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ReadBody reads and returns the response body as a string.
func (h *TestHarness) ReadBody(resp *http.Response) string {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return string(data)
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertRedirect checks for a 303 to the console action target.
func (h *TestHarness) AssertRedirect(t *testing.T, resp *http.Response, target string) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 303\nbody: %s", resp.StatusCode, string(body))
	}
	if got, want := resp.Header.Get("Location"), transport.ConsolePath(target); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

// repoRoot returns the absolute path of the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
