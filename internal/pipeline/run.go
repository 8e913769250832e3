package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

const defaultFailureMessage = "Cannot complete the request"

// Fields never echoed back into a re-shown form.
var echoExcluded = map[string]bool{
	CSRFField:          true,
	"password":         true,
	"password1":        true,
	"password2":        true,
	"current_password": true,
}

var defaultValidator = sync.OnceValue(func() *validate.Validator {
	return validate.NewValidator(nil)
})

// Run is one request travelling through a handler. A Run is used by a
// single goroutine and never reused.
type Run struct {
	handler  *Handler
	env      Env
	state    State
	outcome  model.ValidationOutcome
	decision model.AuthorizationDecision
	result   model.ActionResult
	actErr   error
	replayed bool
	elapsed  time.Duration
}

// State returns the current state of the run.
func (r *Run) State() State { return r.state }

// Outcome returns the validation outcome once VALIDATE has run.
func (r *Run) Outcome() model.ValidationOutcome { return r.outcome }

// Decision returns the authorization decision once AUTHORIZE has run.
func (r *Run) Decision() model.AuthorizationDecision { return r.decision }

// Err returns the error the action failed with, if any.
func (r *Run) Err() error { return r.actErr }

// Replayed reports whether the result came from the idempotency store.
func (r *Run) Replayed() bool { return r.replayed }

// Execute drives the run through every phase and always returns a result.
func (r *Run) Execute(ctx context.Context) model.ActionResult {
	outcome, err := r.Validate(ctx)
	if err == nil && outcome.Valid {
		if d, err := r.Authorize(ctx); err == nil && d.Allowed {
			_, _ = r.Act(ctx)
		}
	}
	res, err := r.Respond(ctx)
	if err != nil {
		observability.RequestLogger(ctx, r.env.Logger).Error("pipeline misuse",
			zap.String("handler", r.handler.name), zap.Error(err))
		return model.FatalPage()
	}
	return res
}

// Validate checks the CSRF token and the declared fields. A failed outcome
// moves the run to StateRejected.
func (r *Run) Validate(ctx context.Context) (model.ValidationOutcome, error) {
	if r.state != StateInit {
		return model.ValidationOutcome{}, r.phaseError(PhaseValidate)
	}
	ctx, span := r.startPhase(ctx, PhaseValidate)
	start := time.Now()

	outcome, err := r.validate(ctx)
	if err != nil {
		observability.RequestLogger(ctx, r.env.Logger).Error("validation could not complete",
			zap.String("handler", r.handler.name), zap.Error(err))
	}

	r.outcome = outcome
	if outcome.Valid {
		r.state = StateValidated
		if ce := r.env.Logger.Check(zap.DebugLevel, "inputs validated"); ce != nil {
			ce.Write(zap.String("handler", r.handler.name),
				zap.Any("inputs", observability.RedactInputs(outcome.Inputs)))
		}
	} else {
		r.state = StateRejected
		if m := r.env.Metrics; m != nil {
			m.RecordValidationFailure(r.handler.name, outcome.Kind.String())
		}
	}
	r.endPhase(span, PhaseValidate, start, err)
	return outcome, nil
}

func (r *Run) validate(ctx context.Context) (model.ValidationOutcome, error) {
	if r.handler.RequiresCSRF() && r.env.CSRF != nil {
		rctx := model.RequestContextFrom(ctx)
		if rctx == nil || !r.env.CSRF.Verify(rctx.SessionID, r.env.Request.String(CSRFField)) {
			return model.Invalid(model.SeverityFatal, []model.FieldError{{
				Field:   CSRFField,
				Code:    "csrf",
				Message: "CSRF token is invalid",
			}}), nil
		}
	}

	v := r.env.Validator
	if v == nil {
		v = defaultValidator()
	}
	reader := r.reader()
	outcome, err := v.Validate(ctx, r.env.Request, r.handler.fields, reader)
	if err != nil || !outcome.Valid {
		return outcome, err
	}

	if r.handler.check != nil {
		if errs := r.handler.check(ctx, outcome.Inputs, reader); len(errs) > 0 {
			return model.Invalid(model.SeverityField, errs), nil
		}
	}
	return outcome, nil
}

// Authorize checks the principal's user type and capabilities, then the
// handler policy.
// A refusal moves the run to StateDenied. Policy errors deny.
func (r *Run) Authorize(ctx context.Context) (model.AuthorizationDecision, error) {
	if r.state != StateValidated {
		return model.Deny(), r.phaseError(PhaseAuthorize)
	}
	ctx, span := r.startPhase(ctx, PhaseAuthorize)
	start := time.Now()

	decision := model.Deny()
	var policyErr error
	rctx := model.RequestContextFrom(ctx)
	missing := model.CapabilitiesFrom(ctx).Missing(r.handler.requires...)
	if len(missing) > 0 {
		observability.RequestLogger(ctx, r.env.Logger).Debug("missing capabilities",
			zap.String("handler", r.handler.name), zap.Strings("capabilities", missing))
	}
	if rctx.AtLeast(r.handler.minType) && len(missing) == 0 {
		if r.handler.policy == nil {
			decision = model.Allow()
		} else {
			d, err := r.handler.policy(ctx, r.outcome.Inputs, r.reader())
			if err != nil {
				policyErr = err
				observability.RequestLogger(ctx, r.env.Logger).Error("authorization check failed",
					zap.String("handler", r.handler.name), zap.Error(err))
			} else {
				decision = d
			}
		}
	}

	r.decision = decision
	if decision.Allowed {
		r.state = StateAuthorized
	} else {
		r.state = StateDenied
	}
	r.endPhase(span, PhaseAuthorize, start, policyErr)
	return decision, nil
}

// Act runs the action. It is detached from request cancellation so a
// client disconnect cannot interrupt a transaction halfway. An error from
// the action is kept on the run and turned into a failure result.
func (r *Run) Act(ctx context.Context) (model.ActionResult, error) {
	if r.state != StateAuthorized {
		return model.ActionResult{}, r.phaseError(PhaseAct)
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := r.startPhase(ctx, PhaseAct)
	start := time.Now()
	defer func() {
		r.state = StateActed
		r.endPhase(span, PhaseAct, start, r.actErr)
	}()

	logger := observability.RequestLogger(ctx, r.env.Logger).With(zap.String("handler", r.handler.name))

	idemKey, idemHash, idemTTL := "", "", r.env.IdempotencyTTL
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	if !r.handler.readOnly && r.env.Idempotency != nil && r.env.IdempotencyKey != "" {
		idemKey = FormatIdempotencyKey(model.SubjectFrom(ctx), r.handler.name, r.env.IdempotencyKey)
		idemHash = HashInputs(r.outcome.Inputs)
		claim, err := r.env.Idempotency.Claim(ctx, idemKey, idemHash, min(idemTTL, pendingClaimTTL))
		var env *model.ErrorEnvelope
		switch {
		case err != nil && errors.As(err, &env) && env.Code == model.ErrConflict:
			r.actErr = err
			r.result = model.FatalPage()
			return r.result, nil
		case err != nil:
			logger.Warn("idempotency store unavailable", zap.Error(err))
			r.storeError("claim")
			idemKey = ""
		case claim.State == ClaimPending:
			r.actErr = model.NewConflictError("The same request is already being processed.")
			r.result = r.failureResult(r.actErr)
			return r.result, nil
		case claim.State == ClaimReplay:
			r.replayed = true
			r.result = *claim.Result
			if m := r.env.Metrics; m != nil {
				m.RecordIdempotencyReplay(r.handler.name)
			}
			return r.result, nil
		}
	}

	var backend model.Backend
	if r.env.Backend != nil {
		backend = r.env.Backend
		if r.handler.readOnly {
			backend = readOnlyBackend{r.env.Backend}
		}
	}

	a := &Action{
		Handler:   r.handler.name,
		Inputs:    r.outcome.Inputs,
		Request:   r.env.Request,
		Decision:  r.decision,
		Backend:   backend,
		Principal: model.RequestContextFrom(ctx),
		Logger:    logger,
		prefs:     r.env.Preferences,
		recorder:  r.env.Metrics,
	}

	res, err := r.handler.act(ctx, a)
	if err != nil {
		r.actErr = err
		r.result = r.failureResult(err)
		if idemKey != "" {
			if rerr := r.env.Idempotency.Release(ctx, idemKey); rerr != nil {
				logger.Warn("idempotency release failed", zap.Error(rerr))
				r.storeError("release")
			}
		}
		return r.result, nil
	}
	r.result = res

	if idemKey != "" {
		if err := r.env.Idempotency.Complete(ctx, idemKey, idemHash, res, idemTTL); err != nil {
			logger.Warn("idempotency store write failed", zap.Error(err))
			r.storeError("complete")
		}
	}
	return r.result, nil
}

func (r *Run) storeError(op string) {
	if m := r.env.Metrics; m != nil {
		m.RecordStoreError("idempotency", op)
	}
}

// Respond finishes the run and returns the result for the transport.
func (r *Run) Respond(ctx context.Context) (model.ActionResult, error) {
	var res model.ActionResult
	switch r.state {
	case StateActed:
		res = r.result
	case StateRejected:
		res = r.rejectedResult()
	case StateDenied:
		res = r.deniedResult()
	default:
		return model.ActionResult{}, r.phaseError(PhaseRespond)
	}
	final := r.state
	r.state = StateResponded

	if m := r.env.Metrics; m != nil {
		m.RecordPipelineRun(r.handler.name, final.String())
		if res.Flash != nil {
			m.RecordFlash(string(res.Flash.Level))
		}
	}

	fields := []zap.Field{
		zap.String("handler", r.handler.name),
		zap.String("state", final.String()),
		zap.String("result", res.Kind.String()),
		zap.Duration("duration", r.elapsed),
	}
	if r.replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	logger := observability.RequestLogger(ctx, r.env.Logger)
	if r.actErr != nil {
		logger.Error("handler action failed", append(fields, zap.Error(r.actErr))...)
	} else {
		logger.Info("handler responded", fields...)
	}
	return res, nil
}

func (r *Run) rejectedResult() model.ActionResult {
	if r.outcome.Kind == model.SeverityFatal || r.handler.invalidTo == nil {
		return model.FatalPage()
	}
	flash := model.NewFlashError(r.failureMessage(), r.outcome.Messages...)
	flash.Form = echo(r.env.Request.Fields())
	return model.Redirect(r.handler.invalidTo(r.env.Request)).WithFlash(flash)
}

func (r *Run) deniedResult() model.ActionResult {
	if r.handler.deniedTo != nil {
		return model.Redirect(r.handler.deniedTo(r.env.Request))
	}
	return model.ForbiddenPage()
}

func (r *Run) failureResult(err error) model.ActionResult {
	msg := r.failureMessage()
	var ae *ActionError
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	var details []string
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		details = append(details, env.Message)
		for _, d := range env.Details {
			details = append(details, d.Message)
		}
	}

	if r.handler.failureTo == nil {
		res := model.Render(model.ViewError, msg, map[string]any{
			"error":   model.NewActionFailedError(msg),
			"details": details,
		})
		res.Status = http.StatusInternalServerError
		return res
	}
	flash := model.NewFlashError(msg, details...)
	flash.Form = echo(map[string]any(r.outcome.Inputs))
	return model.Redirect(r.handler.failureTo(r.env.Request)).WithFlash(flash)
}

func (r *Run) failureMessage() string {
	if r.handler.failureMsg != "" {
		return r.handler.failureMsg
	}
	return defaultFailureMessage
}

func (r *Run) reader() model.BackendReader {
	if r.env.Backend == nil {
		return nil
	}
	return readerView{r.env.Backend}
}

func (r *Run) phaseError(phase string) error {
	return &PhaseError{Handler: r.handler.name, Phase: phase, State: r.state}
}

func (r *Run) startPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return observability.StartPhaseSpan(ctx, r.handler.name, phase)
}

func (r *Run) endPhase(span trace.Span, phase string, start time.Time, err error) {
	d := time.Since(start)
	r.elapsed += d
	if m := r.env.Metrics; m != nil {
		m.RecordPhaseDuration(r.handler.name, phase, d)
	}
	span.SetAttributes(observability.AttrState.String(r.state.String()))
	observability.EndSpanWithError(span, err)
}

func echo(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !echoExcluded[k] {
			out[k] = v
		}
	}
	return out
}
