package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// --- fakes ---

type fakeBackend struct {
	mu      sync.Mutex
	records map[string][]model.Record
	reads   int
	writes  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string][]model.Record{
		"item": {
			{"id": "1", "name": "cpu"},
			{"id": "2", "name": "mem"},
		},
	}}
}

func (b *fakeBackend) Get(_ context.Context, kind string, q model.Query) ([]model.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	var out []model.Record
	for _, r := range b.records[kind] {
		if len(q.IDs) == 0 || contains(q.IDs, r.ID()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *fakeBackend) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	recs, err := b.Get(ctx, kind, q)
	return len(recs), err
}

func (b *fakeBackend) Create(_ context.Context, _ string, recs ...model.Record) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return make([]string, len(recs)), nil
}

func (b *fakeBackend) Update(context.Context, string, ...model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return nil
}

func (b *fakeBackend) Delete(context.Context, string, ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return nil
}

func (b *fakeBackend) InTx(_ context.Context, fn func(tx model.Backend) error) error {
	return fn(b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type csrfFunc func(sessionID, token string) bool

func (f csrfFunc) Verify(sessionID, token string) bool { return f(sessionID, token) }

type counters struct {
	authorize int
	act       int
}

type recorder struct {
	mu     sync.Mutex
	runs   map[string]int
	phases map[string]int
	flash  map[string]int
	replay int
	fails  map[string]int
}

func newRecorder() *recorder {
	return &recorder{runs: map[string]int{}, phases: map[string]int{}, flash: map[string]int{}, fails: map[string]int{}}
}

func (r *recorder) RecordPipelineRun(_, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[state]++
}

func (r *recorder) RecordPhaseDuration(_, phase string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[phase]++
}

func (r *recorder) RecordValidationFailure(_, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[kind]++
}

func (r *recorder) RecordIdempotencyReplay(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replay++
}

func (r *recorder) RecordFlash(level string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flash[level]++
}

func (r *recorder) RecordStoreError(string, string) {}

func adminCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "u-1",
		UserType:  model.UserTypeAdmin,
		SessionID: "sess-1",
	})
}

func userCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "u-2",
		UserType:  model.UserTypeUser,
		SessionID: "sess-2",
	})
}

// deleteHandler mirrors a mass delete: ids required, editable rights
// checked, one batch mutation.
func deleteHandler(c *counters, act ActFunc) *Handler {
	policy := func(ctx context.Context, in model.Inputs, r model.BackendReader) (model.AuthorizationDecision, error) {
		c.authorize++
		return capability.Editable("item", "itemids")(ctx, in, r)
	}
	if act == nil {
		act = func(ctx context.Context, a *Action) (model.ActionResult, error) {
			c.act++
			if err := a.Backend.Delete(ctx, "item", a.Inputs.IDs("itemids")...); err != nil {
				return model.ActionResult{}, err
			}
			return model.Redirect("item.list").WithFlash(model.NewFlashOK("Items deleted")), nil
		}
	}
	return NewBuilder("item.massdelete").
		Fields(
			validate.IDs("itemids").WithLabel("Items").Require().NonEmpty(),
			validate.ID("hostid"),
		).
		MinUserType(model.UserTypeAdmin).
		Authorize(policy).
		Act(act).
		OnFailure(To("item.list", "hostid"), "Cannot delete items").
		MustBuild()
}

func newEnv(b model.Backend, fields map[string]any) Env {
	return Env{
		Services: &Services{},
		Request:  model.NewRequest(fields),
		Backend:  b,
	}
}

// --- ordering ---

func TestRun_ValidationFailureSkipsAuthorizeAndAct(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	b := newFakeBackend()

	res := h.NewRun(newEnv(b, map[string]any{"hostid": "10", "csrf_token": "x"})).Execute(adminCtx())

	assert.Equal(t, 0, c.authorize, "authorize must not run")
	assert.Equal(t, 0, c.act, "act must not run")
	assert.Equal(t, 0, b.writes)
	require.Equal(t, model.ResultRedirect, res.Kind)
	assert.Equal(t, "item.list?hostid=10", res.Target)
	require.NotNil(t, res.Flash)
	assert.Equal(t, model.FlashError, res.Flash.Level)
	assert.Equal(t, "Cannot delete items", res.Flash.Text)
	assert.Equal(t, []string{"Items is required"}, res.Flash.Details)
	assert.Equal(t, "10", res.Flash.Form["hostid"])
	assert.NotContains(t, res.Flash.Form, "csrf_token")
}

func TestRun_DeniedSkipsAct(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	b := newFakeBackend()

	res := h.NewRun(newEnv(b, map[string]any{"itemids": []any{"1", "99"}})).Execute(adminCtx())

	assert.Equal(t, 1, c.authorize)
	assert.Equal(t, 0, c.act)
	assert.Equal(t, 0, b.writes)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, model.ViewError, res.View)
}

func TestRun_UserTypeBelowMinimumDeniesBeforePolicy(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)

	run := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}}))
	res := run.Execute(userCtx())

	assert.Equal(t, 0, c.authorize)
	assert.Equal(t, 0, c.act)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, StateResponded, run.State())
}

func TestRun_MissingPrincipalIsDenied(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)

	res := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}})).Execute(context.Background())

	assert.Equal(t, 0, c.act)
	assert.Equal(t, http.StatusForbidden, res.Status)
}

func TestRun_OnDeniedRedirectsSilently(t *testing.T) {
	h := NewBuilder("dashboard.view").
		ReadOnly().
		Fields(validate.ID("dashboardid")).
		Authorize(func(context.Context, model.Inputs, model.BackendReader) (model.AuthorizationDecision, error) {
			return model.Deny(), nil
		}).
		Act(func(context.Context, *Action) (model.ActionResult, error) {
			t.Fatal("act must not run")
			return model.ActionResult{}, nil
		}).
		OnDenied(To("dashboard.list")).
		MustBuild()

	res := h.NewRun(newEnv(newFakeBackend(), map[string]any{"dashboardid": "5"})).Execute(adminCtx())

	assert.Equal(t, model.ResultRedirect, res.Kind)
	assert.Equal(t, "dashboard.list", res.Target)
	assert.Nil(t, res.Flash)
}

func TestRun_SuccessCarriesDecisionToAct(t *testing.T) {
	c := &counters{}
	var seen model.Record
	h := deleteHandler(c, func(ctx context.Context, a *Action) (model.ActionResult, error) {
		c.act++
		seen, _ = a.Decision.Entity("item", "2")
		return model.Redirect("item.list").WithFlash(model.NewFlashOK("Item deleted")), nil
	})

	res := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"2"}})).Execute(adminCtx())

	assert.Equal(t, 1, c.authorize)
	assert.Equal(t, 1, c.act)
	require.NotNil(t, seen)
	assert.Equal(t, "mem", seen.String("name"))
	assert.Equal(t, model.FlashOK, res.Flash.Level)
}

// --- state machine misuse ---

func TestRun_PhaseOrder(t *testing.T) {
	h := deleteHandler(&counters{}, nil)
	ctx := adminCtx()

	run := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}}))

	_, err := run.Act(ctx)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseAct, pe.Phase)
	assert.Equal(t, StateInit, pe.State)

	_, err = run.Respond(ctx)
	assert.ErrorIs(t, err, ErrPhaseOrder)

	_, err = run.Validate(ctx)
	require.NoError(t, err)
	_, err = run.Validate(ctx)
	assert.ErrorIs(t, err, ErrPhaseOrder)

	_, err = run.Authorize(ctx)
	require.NoError(t, err)
	_, err = run.Act(ctx)
	require.NoError(t, err)
	_, err = run.Respond(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateResponded, run.State())

	_, err = run.Respond(ctx)
	assert.ErrorIs(t, err, ErrPhaseOrder)
	_, err = run.Authorize(ctx)
	assert.ErrorIs(t, err, ErrPhaseOrder)
}

func TestRun_ExecuteTwiceReturnsFatalPage(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	run := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}}))

	first := run.Execute(adminCtx())
	second := run.Execute(adminCtx())

	assert.Equal(t, model.ResultRedirect, first.Kind)
	assert.Equal(t, http.StatusBadRequest, second.Status)
	assert.Equal(t, 1, c.act)
}

// --- csrf ---

func TestRun_CSRFMismatchIsFatal(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	b := newFakeBackend()
	env := newEnv(b, map[string]any{"itemids": []any{"1"}, "csrf_token": "forged"})
	env.CSRF = csrfFunc(func(sid, tok string) bool { return sid == "sess-1" && tok == "good" })

	res := h.NewRun(env).Execute(adminCtx())

	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, 0, b.reads, "no backend access before the token is verified")
	assert.Equal(t, 0, c.act)
}

func TestRun_CSRFAccepted(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	env := newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}, "csrf_token": "good"})
	env.CSRF = csrfFunc(func(sid, tok string) bool { return sid == "sess-1" && tok == "good" })

	res := h.NewRun(env).Execute(adminCtx())

	assert.Equal(t, 1, c.act)
	assert.Equal(t, model.ResultRedirect, res.Kind)
}

func TestRun_SkipCSRF(t *testing.T) {
	h := NewBuilder("popup").
		SkipCSRF().
		Act(func(context.Context, *Action) (model.ActionResult, error) {
			return model.Render("popup", "Hosts", nil), nil
		}).
		MustBuild()
	env := newEnv(nil, nil)
	env.CSRF = csrfFunc(func(string, string) bool { return false })

	res := h.NewRun(env).Execute(adminCtx())

	assert.Equal(t, "popup", res.View)
	assert.False(t, h.RequiresCSRF())
}

// --- action failures ---

func TestRun_ActErrorBecomesFailureRedirect(t *testing.T) {
	boom := errors.New("db down")
	h := deleteHandler(&counters{}, func(context.Context, *Action) (model.ActionResult, error) {
		return model.ActionResult{}, boom
	})
	run := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1", "2"}, "hostid": "10"}))

	res := run.Execute(adminCtx())

	require.Equal(t, model.ResultRedirect, res.Kind)
	assert.Equal(t, "item.list?hostid=10", res.Target)
	assert.Equal(t, "Cannot delete items", res.Flash.Text)
	assert.Empty(t, res.Flash.Details, "internal errors are not shown")
	assert.Equal(t, []string{"1", "2"}, res.Flash.Form["itemids"])
	assert.ErrorIs(t, run.Err(), boom)
}

func TestRun_ActEnvelopeErrorAddsDetail(t *testing.T) {
	h := deleteHandler(&counters{}, func(context.Context, *Action) (model.ActionResult, error) {
		return model.ActionResult{}, model.NewActionFailedError("Item \"cpu\" is used in a trigger")
	})

	res := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}})).Execute(adminCtx())

	assert.Equal(t, []string{"Item \"cpu\" is used in a trigger"}, res.Flash.Details)
}

func TestRun_FailOverridesFailureMessage(t *testing.T) {
	boom := errors.New("db down")
	h := deleteHandler(&counters{}, func(context.Context, *Action) (model.ActionResult, error) {
		return model.ActionResult{}, Fail("Cannot delete item", boom)
	})
	run := h.NewRun(newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}}))

	res := run.Execute(adminCtx())

	assert.Equal(t, "Cannot delete item", res.Flash.Text)
	assert.ErrorIs(t, run.Err(), boom)
}

func TestRun_ActErrorWithoutTargetRendersErrorPage(t *testing.T) {
	h := NewBuilder("item.list").
		ReadOnly().
		Act(func(context.Context, *Action) (model.ActionResult, error) {
			return model.ActionResult{}, errors.New("unreachable")
		}).
		MustBuild()

	res := h.NewRun(newEnv(newFakeBackend(), nil)).Execute(adminCtx())

	assert.Equal(t, model.ViewError, res.View)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestRun_ActIgnoresRequestCancellation(t *testing.T) {
	var actErr error
	h := NewBuilder("user.update").
		Act(func(ctx context.Context, _ *Action) (model.ActionResult, error) {
			actErr = ctx.Err()
			return model.Redirect("user.list"), nil
		}).
		MustBuild()
	ctx, cancel := context.WithCancel(adminCtx())
	run := h.NewRun(newEnv(nil, nil))

	_, err := run.Validate(ctx)
	require.NoError(t, err)
	_, err = run.Authorize(ctx)
	require.NoError(t, err)
	cancel()
	_, err = run.Act(ctx)
	require.NoError(t, err)

	assert.NoError(t, actErr)
}

func TestRun_ReadOnlyBackendRefusesWrites(t *testing.T) {
	b := newFakeBackend()
	var writeErr error
	h := NewBuilder("item.list").
		ReadOnly().
		Act(func(ctx context.Context, a *Action) (model.ActionResult, error) {
			writeErr = a.Backend.Delete(ctx, "item", "1")
			recs, err := a.Backend.Get(ctx, "item", model.Query{})
			return model.Render("item.list", "Items", map[string]any{"items": recs}), err
		}).
		MustBuild()

	res := h.NewRun(newEnv(b, nil)).Execute(adminCtx())

	assert.ErrorIs(t, writeErr, ErrReadOnly)
	assert.Equal(t, 0, b.writes)
	assert.Len(t, res.Data["items"], 2)
}

func TestRun_CheckAddsFieldErrors(t *testing.T) {
	acted := false
	h := NewBuilder("macros.update").
		Fields(validate.String("name").Require()).
		Check(func(_ context.Context, in model.Inputs, _ model.BackendReader) []model.FieldError {
			if in.String("name") == "taken" {
				return []model.FieldError{{Field: "name", Code: "duplicate", Message: "Name is already in use"}}
			}
			return nil
		}).
		Act(func(context.Context, *Action) (model.ActionResult, error) {
			acted = true
			return model.Redirect("macros.list"), nil
		}).
		OnFailure(To("macros.list"), "Cannot update macros").
		MustBuild()

	res := h.NewRun(newEnv(nil, map[string]any{"name": "taken"})).Execute(adminCtx())

	assert.False(t, acted)
	assert.Equal(t, []string{"Name is already in use"}, res.Flash.Details)
}

// --- idempotency ---

func TestRun_IdempotentReplay(t *testing.T) {
	c := &counters{}
	h := deleteHandler(c, nil)
	store := NewMemoryIdempotencyStore()
	rec := newRecorder()
	svc := &Services{Idempotency: store, IdempotencyTTL: time.Minute, Metrics: rec}

	run := func(ids ...any) model.ActionResult {
		env := Env{Services: svc, Request: model.NewRequest(map[string]any{"itemids": ids}), Backend: newFakeBackend(), IdempotencyKey: "k1"}
		return h.NewRun(env).Execute(adminCtx())
	}

	first := run("1", "2")
	second := run("1", "2")

	assert.Equal(t, 1, c.act)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, rec.replay)

	conflict := run("1")
	assert.Equal(t, http.StatusBadRequest, conflict.Status)
	assert.Equal(t, 1, c.act)
}

func TestRun_FailedActReleasesIdempotencyKey(t *testing.T) {
	c := &counters{}
	fail := true
	h := deleteHandler(c, func(ctx context.Context, a *Action) (model.ActionResult, error) {
		c.act++
		if fail {
			return model.ActionResult{}, model.NewActionFailedError("Item is locked.")
		}
		return model.Redirect("item.list"), nil
	})
	svc := &Services{Idempotency: NewMemoryIdempotencyStore(), IdempotencyTTL: time.Minute}
	run := func() model.ActionResult {
		env := Env{Services: svc, Request: model.NewRequest(map[string]any{"itemids": []any{"1"}}), Backend: newFakeBackend(), IdempotencyKey: "k1"}
		return h.NewRun(env).Execute(adminCtx())
	}

	first := run()
	require.NotNil(t, first.Flash)
	assert.Equal(t, model.FlashError, first.Flash.Level)

	fail = false
	second := run()
	assert.Equal(t, 2, c.act, "the retry should act again")
	assert.Equal(t, "item.list", second.Target)
}

func TestRun_ConcurrentSubmissionIsRefused(t *testing.T) {
	c := &counters{}
	svc := &Services{Idempotency: NewMemoryIdempotencyStore(), IdempotencyTTL: time.Minute}
	env := func() Env {
		return Env{Services: svc, Request: model.NewRequest(map[string]any{"itemids": []any{"1"}}), Backend: newFakeBackend(), IdempotencyKey: "k1"}
	}

	var h *Handler
	var nested model.ActionResult
	h = deleteHandler(c, func(ctx context.Context, a *Action) (model.ActionResult, error) {
		c.act++
		if c.act == 1 {
			nested = h.NewRun(env()).Execute(adminCtx())
		}
		return model.Redirect("item.list"), nil
	})

	h.NewRun(env()).Execute(adminCtx())

	assert.Equal(t, 1, c.act)
	require.NotNil(t, nested.Flash)
	assert.Equal(t, model.FlashError, nested.Flash.Level)
	assert.Contains(t, nested.Flash.Details, "The same request is already being processed.")
}

// --- instrumentation ---

func TestRun_RecordsMetrics(t *testing.T) {
	rec := newRecorder()
	h := deleteHandler(&counters{}, nil)

	env := newEnv(newFakeBackend(), map[string]any{"itemids": []any{"1"}})
	env.Services = &Services{Metrics: rec}
	h.NewRun(env).Execute(adminCtx())

	bad := newEnv(newFakeBackend(), nil)
	bad.Services = &Services{Metrics: rec}
	h.NewRun(bad).Execute(adminCtx())

	assert.Equal(t, 1, rec.runs["acted"])
	assert.Equal(t, 1, rec.runs["rejected"])
	assert.Equal(t, 1, rec.fails["field_error"])
	assert.Equal(t, 2, rec.phases[PhaseValidate])
	assert.Equal(t, 1, rec.phases[PhaseAct])
	assert.Equal(t, 1, rec.flash["ok"])
	assert.Equal(t, 1, rec.flash["error"])
}

// --- builder ---

func TestRun_RequiredCapabilities(t *testing.T) {
	build := func() *Handler {
		return NewBuilder("proxy.delete").
			Require("proxies:delete").
			Act(func(context.Context, *Action) (model.ActionResult, error) { return model.Redirect("proxy.list"), nil }).
			MustBuild()
	}
	tests := []struct {
		name    string
		caps    model.CapabilitySet
		allowed bool
	}{
		{"no capability set", nil, false},
		{"other capabilities", model.CapabilitySet{"proxies:view": true}, false},
		{"namespace wildcard", model.CapabilitySet{"proxies:*": true}, true},
		{"exact", model.CapabilitySet{"proxies:delete": true}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			run := build().NewRun(newEnv(nil, nil))
			run.Execute(model.WithCapabilities(adminCtx(), tc.caps))
			assert.Equal(t, tc.allowed, run.Decision().Allowed)
		})
	}
}

func TestBuilder_RejectsWildcardRequirement(t *testing.T) {
	_, err := NewBuilder("proxy.delete").
		Require("proxies:*").
		Act(func(context.Context, *Action) (model.ActionResult, error) { return model.ActionResult{}, nil }).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid capability")
}

func TestBuilder_RequiresAction(t *testing.T) {
	_, err := NewBuilder("dashboard.list").Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no action")
}

func TestBuilder_RejectsDuplicateFields(t *testing.T) {
	_, err := NewBuilder("x").
		Fields(validate.String("name"), validate.String("name")).
		Act(func(context.Context, *Action) (model.ActionResult, error) { return model.Redirect("x"), nil }).
		Build()
	assert.Error(t, err)
}

func TestBuilder_RejectsUnknownUserType(t *testing.T) {
	_, err := NewBuilder("x").
		MinUserType(model.UserType(9)).
		Act(func(context.Context, *Action) (model.ActionResult, error) { return model.Redirect("x"), nil }).
		Build()
	assert.Error(t, err)
}

func TestTo(t *testing.T) {
	req := model.NewRequest(map[string]any{"hostid": "10", "itemids": []any{"1"}, "empty": ""})

	assert.Equal(t, "item.list", To("item.list")(req))
	assert.Equal(t, "item.list?hostid=10", To("item.list", "hostid", "itemids", "empty", "missing")(req))
}
