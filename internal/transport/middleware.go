package transport

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/model"
)

// HeaderCorrelationID carries the request correlator in both directions.
const HeaderCorrelationID = "X-Correlation-Id"

type correlationIDKey struct{}
type claimsKey struct{}

// Inbound correlators are echoed to the monitor, so only short plain tokens
// are accepted.
var correlationPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

const panicPage = `<!DOCTYPE html><html><head><title>Error</title></head>` +
	`<body><h1>Error</h1><p>An unexpected error occurred.</p></body></html>`

// CorrelationIDFrom returns the request correlator.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified session claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified session claims.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// Recovery turns a handler panic into a bare 500 page. Nothing about the
// panic reaches the browser.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := observability.NewStatusRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				trace.SpanFromContext(r.Context()).SetStatus(codes.Error, "panic")
				logger.Error("panic recovered",
					zap.Any("error", v),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				if rec.Written() {
					return
				}
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(panicPage))
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

type corsPolicy struct {
	origins map[string]struct{}
	headers map[string]string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(cfg.AllowedOrigins))}
	for _, o := range cfg.AllowedOrigins {
		p.origins[o] = struct{}{}
	}
	p.headers = map[string]string{
		"Access-Control-Allow-Methods":     strings.Join(cfg.AllowedMethods, ", "),
		"Access-Control-Allow-Headers":     strings.Join(cfg.AllowedHeaders, ", "),
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           strconv.Itoa(cfg.MaxAge),
		"Access-Control-Expose-Headers":    HeaderCorrelationID,
	}
	return p
}

func (p corsPolicy) allow(h http.Header, origin string) {
	if _, ok := p.origins[origin]; !ok {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	for k, v := range p.headers {
		h.Set(k, v)
	}
	h.Add("Vary", "Origin")
}

// CORS admits cross-origin calls from the configured origins and answers
// preflight requests itself.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				policy.allow(w.Header(), origin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Correlation keeps a well-formed inbound X-Correlation-Id or mints a new
// one, and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if !correlationPattern.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

// SecurityHeaders hardens every response. Console pages may only be framed
// by the console itself.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Content-Security-Policy", "frame-ancestors 'self'")
		h.Set("X-XSS-Protection", "0")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext derives the console principal from the verified
// session claims. Claims that do not name a valid principal get 401.
func BuildRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims := ClaimsFrom(ctx)
		rctx := &model.RequestContext{
			SubjectID:     claimString(claims, "sub"),
			Username:      claimString(claims, "username"),
			UserType:      model.UserType(claimInt(claims, "user_type")),
			Roles:         claimStrings(claims, "roles"),
			Claims:        claims,
			SessionID:     claimString(claims, "sid"),
			CorrelationID: CorrelationIDFrom(ctx),
			TraceID:       observability.TraceIDFromContext(ctx),
			Timezone:      r.Header.Get("X-Timezone"),
			Locale:        r.Header.Get("Accept-Language"),
		}
		if rctx.SessionID == "" {
			rctx.SessionID = rctx.SubjectID
		}
		if err := rctx.Validate(); err != nil {
			WriteError(w, r, model.NewUnauthorizedError("Invalid session claims"))
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			observability.AttrSubjectID.String(rctx.SubjectID),
			observability.AttrUserType.String(rctx.UserType.String()),
		)
		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, rctx)))
	})
}

// ResolveCapabilities attaches the principal's capability set. A resolver
// failure leaves the set empty, which denies every capability check.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				caps, err := resolver.Resolve(rctx)
				if err != nil {
					observability.RequestLogger(r.Context(), logger).Warn("capability resolution failed", zap.Error(err))
				} else {
					r = r.WithContext(model.WithCapabilities(r.Context(), caps))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout puts a deadline on the request context. Backend calls
// made while reading observe it; the act phase runs detached.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts the principal-tagged logger in the context and writes
// one access line per request. Server errors log at error, refused
// sessions and permissions at warn.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			rec := observability.NewStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.Status()),
				zap.Int("bytes", rec.Bytes()),
				zap.Duration("duration", time.Since(start)),
			}
			if action := chi.URLParam(r, "action"); action != "" {
				fields = append(fields, zap.String("action", action))
			}
			switch status := rec.Status(); {
			case status >= http.StatusInternalServerError:
				reqLogger.Error("request", fields...)
			case status == http.StatusUnauthorized, status == http.StatusForbidden:
				reqLogger.Warn("request", fields...)
			default:
				reqLogger.Info("request", fields...)
			}
		})
	}
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}

// claimInt accepts JSON numbers and numeric strings.
func claimInt(claims map[string]any, key string) int {
	switch v := claims[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func claimStrings(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
