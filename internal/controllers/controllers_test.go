package controllers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/backend"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

type harness struct {
	t        *testing.T
	backend  *backend.Memory
	prefs    *prefs.MemoryStore
	reg      *Registry
	logs     *observer.ObservedLogs
	services *pipeline.Services
	caps     model.CapabilitySet
	forgot   *invalidations
}

type invalidations struct{ subjects []string }

func (i *invalidations) Invalidate(subject string) { i.subjects = append(i.subjects, subject) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	forgot := &invalidations{}
	reg, err := NewRegistry(Deps{
		Validator:    validate.NewValidator(logger),
		Audit:        audit.NewRecorder(logger),
		BcryptCost:   bcrypt.MinCost,
		Capabilities: forgot,
	})
	require.NoError(t, err)
	return &harness{
		t:        t,
		backend:  backend.NewMemory(),
		prefs:    prefs.NewMemoryStore(),
		reg:      reg,
		logs:     logs,
		services: &pipeline.Services{Logger: logger},
		caps:     model.CapabilitySet{"*": true},
		forgot:   forgot,
	}
}

// run executes action for the principal and returns the result with the
// finished run.
func (h *harness) run(rctx *model.RequestContext, action Action, fields map[string]any) (model.ActionResult, *pipeline.Run) {
	h.t.Helper()
	handler, err := h.reg.Resolve(string(action))
	require.NoError(h.t, err)
	run := handler.NewRun(pipeline.Env{
		Services:    h.services,
		Request:     model.NewRequest(fields),
		Backend:     h.backend,
		Preferences: h.prefs,
	})
	ctx := model.WithRequestContext(context.Background(), rctx)
	ctx = model.WithCapabilities(ctx, h.caps)
	return run.Execute(ctx), run
}

func (h *harness) grant(subject, kind string, r backend.Right, ids ...string) {
	for _, id := range ids {
		h.backend.ACL().Grant(subject, kind, id, r)
	}
}

func principal(id string, t model.UserType) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:     id,
		Username:      id,
		UserType:      t,
		SessionID:     "sess-" + id,
		CorrelationID: "corr-" + id,
	}
}

func userCtx(id string) *model.RequestContext  { return principal(id, model.UserTypeUser) }
func adminCtx(id string) *model.RequestContext { return principal(id, model.UserTypeAdmin) }
func superCtx(id string) *model.RequestContext { return principal(id, model.UserTypeSuperAdmin) }

func countOps(calls []backend.Call, op string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func TestNewRegistry_RegistersEveryAction(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	want := []Action{
		ActionDashboardList, ActionDashboardUpdate, ActionDashboardView,
		ActionItemList, ActionItemMassDelete, ActionItemMassDisable, ActionItemMassEnable,
		ActionMacrosList, ActionMacrosUpdate, ActionPopup,
		ActionProxyDelete, ActionProxyList,
		ActionUserEdit, ActionUserList, ActionUserUpdate,
		ActionWidgetConfigure,
	}
	assert.ElementsMatch(t, want, reg.Tags())

	for _, tag := range reg.Tags() {
		h, err := reg.Resolve(string(tag))
		require.NoError(t, err)
		assert.Equal(t, string(tag), h.Name())
	}
}

func TestNewRegistry_UnknownActionIsTypedError(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	_, err = reg.Resolve("host.massupdate")

	var unknown *pipeline.UnknownTagError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "host.massupdate", unknown.Tag)
}

func TestReadHandlersDoNotRequireCSRF(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	for _, tag := range []Action{ActionDashboardList, ActionItemList, ActionPopup, ActionWidgetConfigure, ActionProxyList} {
		h, _ := reg.Resolve(string(tag))
		assert.False(t, h.RequiresCSRF(), "%s", tag)
	}
	for _, tag := range []Action{ActionDashboardUpdate, ActionItemMassDelete, ActionMacrosUpdate, ActionUserUpdate, ActionProxyDelete} {
		h, _ := reg.Resolve(string(tag))
		assert.True(t, h.RequiresCSRF(), "%s", tag)
	}
}

func TestPlural(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "Item deleted"},
		{2, "2 items deleted"},
		{0, "0 items deleted"},
	}
	for _, tt := range tests {
		if got := plural(tt.n, "Item deleted", "%d items deleted"); got != tt.want {
			t.Errorf("plural(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
	if got := plural(3, "Cannot delete item", "Cannot delete items"); got != "Cannot delete items" {
		t.Errorf("plural without verb = %q", got)
	}
}
