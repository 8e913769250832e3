package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/model"
)

// --- test helpers ---

const testSecret = "test-secret-with-enough-entropy"

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "watchtower",
		Audience:   "console",
		CookieName: "console_session",
		Secret:     testSecret,
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "u-1",
		"username":  "alice",
		"user_type": 2,
		"roles":     []string{"operator"},
		"sid":       "sess-1",
		"iss":       "watchtower",
		"aud":       "console",
		"exp":       jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

// authStatus runs req through the authenticator and returns the status and
// the error message.
func authStatus(t *testing.T, req *http.Request) (int, string) {
	t.Helper()
	handler := JWTAuthenticator(testIdentityCfg())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if w.Code != 200 {
		json.NewDecoder(w.Body).Decode(&resp)
	}
	return w.Code, resp.Error.Message
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	handler := JWTAuthenticator(testIdentityCfg())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			t.Error("claims should be in context")
		}
		if sub, _ := claims["sub"].(string); sub != "u-1" {
			t.Errorf("sub = %q, want u-1", sub)
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearer(signHS256(t, testSecret, validClaims())))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_cookie(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "console_session", Value: signHS256(t, testSecret, validClaims())})

	if code, msg := authStatus(t, req); code != 200 {
		t.Errorf("status = %d (%s), want 200 for a cookie session", code, msg)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"
	wrongAudience := validClaims()
	wrongAudience["aud"] = "other-app"
	noExp := validClaims()
	delete(noExp, "exp")

	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"missing token", httptest.NewRequest("GET", "/", nil), "Missing session token"},
		{"basic auth", func() *http.Request {
			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			return r
		}(), "Invalid authorization header format"},
		{"expired", bearer(signHS256(t, testSecret, expired)), "Token expired"},
		{"wrong issuer", bearer(signHS256(t, testSecret, wrongIssuer)), "Invalid token issuer"},
		{"wrong audience", bearer(signHS256(t, testSecret, wrongAudience)), "Invalid token audience"},
		{"wrong secret", bearer(signHS256(t, "another-secret", validClaims())), "Invalid token signature"},
		{"missing exp", bearer(signHS256(t, testSecret, noExp)), "Invalid token"},
		{"garbage", bearer("not.a.token"), "Malformed token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := authStatus(t, tt.req)
			if code != 401 {
				t.Errorf("status = %d, want 401", code)
			}
			if msg != tt.want {
				t.Errorf("message = %q, want %q", msg, tt.want)
			}
		})
	}
}

func TestJWTAuthenticator_disallowedAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims())
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	code, msg := authStatus(t, bearer(s))
	if code != 401 || msg != "Disallowed signing algorithm" {
		t.Errorf("got %d %q, want 401 Disallowed signing algorithm", code, msg)
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))

	if code, msg := authStatus(t, bearer(signHS256(t, testSecret, claims))); code != 200 {
		t.Errorf("status = %d (%s), want 200 within leeway", code, msg)
	}
}

func TestIssueToken_roundTrip(t *testing.T) {
	cfg := testIdentityCfg()
	token, err := IssueToken(cfg, "u-9", SessionClaims{Username: "bob", UserType: 3}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var got *model.RequestContext
	handler := JWTAuthenticator(cfg)(BuildRequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	})))
	handler.ServeHTTP(httptest.NewRecorder(), bearer(token))

	if got == nil {
		t.Fatal("request context not built")
	}
	if got.SubjectID != "u-9" || got.Username != "bob" || got.UserType != model.UserTypeSuperAdmin {
		t.Errorf("principal = %+v", got)
	}
	if got.SessionID == "" || got.SessionID == "u-9" {
		t.Errorf("SessionID = %q, want a generated session id", got.SessionID)
	}
}

func TestIssueToken_requiresSecret(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.Secret = ""
	if _, err := IssueToken(cfg, "u-1", SessionClaims{UserType: 1}, time.Hour); err == nil {
		t.Error("expected error without a secret")
	}
}
