// Package pipeline runs console request handlers through the fixed
// validate, authorize, act, respond sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// ActFunc performs the handler's action. It is the only code that may
// mutate the backend. A returned error becomes a redirect to the failure
// target with an error flash.
type ActFunc func(ctx context.Context, a *Action) (model.ActionResult, error)

// CheckFunc adds handler-specific checks after the declared fields have
// validated. Returned field errors reject the request.
type CheckFunc func(ctx context.Context, in model.Inputs, reader model.BackendReader) []model.FieldError

// Target computes a redirect target from the raw request. Targets are built
// from the raw request so they are available even when validation failed.
type Target func(req model.Request) string

// To returns a Target for action, carrying over the named request fields as
// query parameters when they hold scalar values.
func To(action string, keep ...string) Target {
	return func(req model.Request) string {
		q := url.Values{}
		for _, name := range keep {
			if v, ok := req.Get(name); ok {
				if s, ok := model.Scalar(v); ok && s != "" {
					q.Set(name, s)
				}
			}
		}
		if len(q) == 0 {
			return action
		}
		return action + "?" + q.Encode()
	}
}

// Handler is the immutable definition of one console action. Handlers are
// built once at startup and shared by all runs.
type Handler struct {
	name       string
	fields     []validate.FieldSpec
	check      CheckFunc
	skipCSRF   bool
	readOnly   bool
	minType    model.UserType
	requires   []string
	policy     capability.Policy
	act        ActFunc
	invalidTo  Target
	deniedTo   Target
	failureTo  Target
	failureMsg string
}

// Name returns the handler's action name.
func (h *Handler) Name() string { return h.name }

// ReadOnly reports whether the handler never mutates.
func (h *Handler) ReadOnly() bool { return h.readOnly }

// RequiresCSRF reports whether runs must carry a valid CSRF token.
func (h *Handler) RequiresCSRF() bool { return !h.readOnly && !h.skipCSRF }

// Fields returns the declared field specs.
func (h *Handler) Fields() []validate.FieldSpec { return h.fields }

// NewRun creates the per-request state machine for this handler.
func (h *Handler) NewRun(env Env) *Run {
	if env.Services == nil {
		env.Services = &Services{}
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	return &Run{handler: h, env: env, state: StateInit}
}

// Builder assembles a Handler.
type Builder struct {
	h    Handler
	errs []error
}

// NewBuilder starts a handler definition for the given action name.
func NewBuilder(name string) *Builder {
	b := &Builder{h: Handler{name: name, minType: model.UserTypeUser}}
	if name == "" {
		b.errs = append(b.errs, errors.New("handler name is required"))
	}
	return b
}

// Fields declares the accepted request fields. Undeclared fields are ignored.
func (b *Builder) Fields(specs ...validate.FieldSpec) *Builder {
	b.h.fields = append(b.h.fields, specs...)
	return b
}

// Check registers an extra validation step run after the field specs.
func (b *Builder) Check(fn CheckFunc) *Builder {
	b.h.check = fn
	return b
}

// SkipCSRF disables the CSRF token check, for popups and other endpoints
// embedded in pages that do not carry a token.
func (b *Builder) SkipCSRF() *Builder {
	b.h.skipCSRF = true
	return b
}

// ReadOnly marks a handler that never mutates. Its action receives a
// backend that refuses writes.
func (b *Builder) ReadOnly() *Builder {
	b.h.readOnly = true
	return b
}

// MinUserType sets the lowest user type allowed to run the handler.
func (b *Builder) MinUserType(t model.UserType) *Builder {
	if _, ok := model.ParseUserType(int(t)); !ok {
		b.errs = append(b.errs, fmt.Errorf("unknown user type %d", t))
	}
	b.h.minType = t
	return b
}

// Require lists console capabilities the principal must hold, checked
// together with the user type before the policy runs.
func (b *Builder) Require(caps ...string) *Builder {
	for _, c := range caps {
		if c == "" || strings.Contains(c, "*") {
			b.errs = append(b.errs, fmt.Errorf("handler %q requires an invalid capability %q", b.h.name, c))
		}
	}
	b.h.requires = append(b.h.requires, caps...)
	return b
}

// Requires returns the capabilities the handler demands.
func (h *Handler) Requires() []string { return append([]string(nil), h.requires...) }

// Authorize sets the entity-level policy, evaluated after the user type
// check.
func (b *Builder) Authorize(p capability.Policy) *Builder {
	b.h.policy = p
	return b
}

// Act sets the action.
func (b *Builder) Act(fn ActFunc) *Builder {
	b.h.act = fn
	return b
}

// OnInvalid sets where a request with field errors is sent back to. Without
// it, field errors render the fatal error page.
func (b *Builder) OnInvalid(t Target) *Builder {
	b.h.invalidTo = t
	return b
}

// OnDenied sets a silent redirect for refused requests. Without it, the
// forbidden page is rendered.
func (b *Builder) OnDenied(t Target) *Builder {
	b.h.deniedTo = t
	return b
}

// OnFailure sets the redirect target and flash text used when validation
// fails with field errors or the action returns an error.
func (b *Builder) OnFailure(t Target, message string) *Builder {
	b.h.failureTo = t
	b.h.failureMsg = message
	if b.h.invalidTo == nil {
		b.h.invalidTo = t
	}
	return b
}

// Build validates the definition and returns the handler.
func (b *Builder) Build() (*Handler, error) {
	errs := append([]error(nil), b.errs...)
	if b.h.act == nil {
		errs = append(errs, fmt.Errorf("handler %q has no action", b.h.name))
	}
	seen := make(map[string]bool, len(b.h.fields))
	for _, f := range b.h.fields {
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("handler %q declares field %q twice", b.h.name, f.Name))
		}
		seen[f.Name] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	h := b.h
	h.fields = append([]validate.FieldSpec(nil), b.h.fields...)
	h.requires = append([]string(nil), b.h.requires...)
	return &h, nil
}

// MustBuild is Build for static handler tables assembled at startup.
func (b *Builder) MustBuild() *Handler {
	h, err := b.Build()
	if err != nil {
		panic(err)
	}
	return h
}

// CSRFVerifier checks an anti-forgery token against a session.
type CSRFVerifier interface {
	Verify(sessionID, token string) bool
}

// CSRFField is the request field carrying the anti-forgery token.
const CSRFField = "csrf_token"

// Services are the collaborators shared by every run.
type Services struct {
	Validator      *validate.Validator
	CSRF           CSRFVerifier
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	Metrics        Recorder
	Logger         *zap.Logger
}

// Recorder receives pipeline measurements.
type Recorder interface {
	RecordPipelineRun(handler, state string)
	RecordPhaseDuration(handler, phase string, duration time.Duration)
	RecordValidationFailure(handler, kind string)
	RecordIdempotencyReplay(handler string)
	RecordFlash(level string)
	RecordStoreError(store, operation string)
}

// Env is everything one run needs: the shared services plus the request and
// the per-request backend.
type Env struct {
	*Services
	Request        model.Request
	Backend        model.Backend
	Preferences    model.PreferenceStore
	IdempotencyKey string
}
