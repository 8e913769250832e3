// Package controllers defines the console actions. Each action is a
// pipeline.Handler assembled from field specs, an authorization policy and
// an action function; NewRegistry collects them under their action names.
package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// Action is the name a request selects a handler by, such as
// "dashboard.list".
type Action string

// Console actions.
const (
	ActionDashboardList   Action = "dashboard.list"
	ActionDashboardView   Action = "dashboard.view"
	ActionDashboardUpdate Action = "dashboard.update"
	ActionItemList        Action = "item.list"
	ActionItemMassDelete  Action = "item.massdelete"
	ActionItemMassEnable  Action = "item.massenable"
	ActionItemMassDisable Action = "item.massdisable"
	ActionMacrosList      Action = "macros.list"
	ActionMacrosUpdate    Action = "macros.update"
	ActionPopup           Action = "popup"
	ActionWidgetConfigure Action = "widget.configure"
	ActionUserList        Action = "user.list"
	ActionUserEdit        Action = "user.edit"
	ActionUserUpdate      Action = "user.update"
	ActionProxyList       Action = "proxy.list"
	ActionProxyDelete     Action = "proxy.delete"
)

// Backend entity kinds used by the console.
const (
	KindDashboard       = "dashboard"
	KindWidget          = "widget"
	KindItem            = "item"
	KindHost            = "host"
	KindHostGroup       = "hostgroup"
	KindTemplate        = "template"
	KindGlobalMacro     = "globalmacro"
	KindUserMacro       = "usermacro"
	KindProxy           = "proxy"
	KindUser            = "user"
	KindUserGroup       = "usergroup"
	KindUserGroupMember = "users_groups"
)

// Capabilities mutating actions require on top of user type and entity
// rights. The static policy file decides who holds them.
const (
	CapItemsUpdate   = "items:update"
	CapItemsDelete   = "items:delete"
	CapProxiesDelete = "proxies:delete"
	CapUsersUpdate   = "users:update"
)

// Registry maps action names to handlers.
type Registry = pipeline.Registry[Action, *pipeline.Handler]

// Deps are the collaborators handlers close over.
type Deps struct {
	Validator  *validate.Validator
	Audit      *audit.Recorder
	BcryptCost int

	// Capabilities drops cached capability sets of users whose type or
	// groups change.
	Capabilities CapabilityInvalidator
}

// CapabilityInvalidator forgets what was resolved for a subject.
type CapabilityInvalidator interface {
	Invalidate(subjectID string)
}

type noInvalidation struct{}

func (noInvalidation) Invalidate(string) {}

func (d Deps) withDefaults() Deps {
	if d.Validator == nil {
		d.Validator = validate.NewValidator(nil)
	}
	if d.Audit == nil {
		d.Audit = audit.NewRecorder(nil)
	}
	if d.Capabilities == nil {
		d.Capabilities = noInvalidation{}
	}
	if d.BcryptCost == 0 {
		d.BcryptCost = bcrypt.DefaultCost
	}
	return d
}

// NewRegistry builds every console handler.
func NewRegistry(deps Deps) (*Registry, error) {
	deps = deps.withDefaults()
	reg := pipeline.NewRegistry[Action, *pipeline.Handler]("actions")

	builders := []func(Deps) (*pipeline.Handler, error){
		dashboardList,
		dashboardView,
		dashboardUpdate,
		itemList,
		itemMassDelete,
		itemMassEnable,
		itemMassDisable,
		macrosList,
		macrosUpdate,
		popup,
		widgetConfigure,
		userList,
		userEdit,
		userUpdate,
		proxyList,
		proxyDelete,
	}

	var errs []error
	for _, build := range builders {
		h, err := build(deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := reg.Register(Action(h.Name()), h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

// plural picks the text for n requested entities. A %d verb is replaced by
// n.
func plural(n int, one, many string) string {
	s := many
	if n == 1 {
		s = one
	}
	if strings.Contains(s, "%d") {
		return fmt.Sprintf(s, n)
	}
	return s
}

// sticky returns the request value for a list option and remembers it, or
// falls back to the stored preference.
func sticky(ctx context.Context, a *pipeline.Action, page, name, def string) string {
	key := prefs.Key(page, name)
	if a.Inputs.Has(name) {
		v := a.Inputs.String(name)
		a.SetPref(ctx, key, v)
		return v
	}
	return a.Pref(ctx, key, def)
}

// listFilter applies the sticky filter protocol of list pages: filter_rst
// forgets the stored filter, filter_set stores the submitted one, and a
// plain request reuses what was stored.
func listFilter(ctx context.Context, a *pipeline.Action, page string, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	switch {
	case a.Inputs.Bool("filter_rst"):
		for _, n := range names {
			a.DeletePref(ctx, prefs.Key(page, prefs.KeyFilter+"_"+n))
		}
	case a.Inputs.Bool("filter_set"):
		for _, n := range names {
			v := a.Inputs.String(n)
			if v == "" {
				a.DeletePref(ctx, prefs.Key(page, prefs.KeyFilter+"_"+n))
				continue
			}
			a.SetPref(ctx, prefs.Key(page, prefs.KeyFilter+"_"+n), v)
			out[n] = v
		}
	default:
		for _, n := range names {
			if v := a.Pref(ctx, prefs.Key(page, prefs.KeyFilter+"_"+n), ""); v != "" {
				out[n] = v
			}
		}
	}
	return out
}

// filterFields are the flags every filtered list accepts.
func filterFields() []validate.FieldSpec {
	return []validate.FieldSpec{
		validate.Bool("filter_set"),
		validate.Bool("filter_rst"),
	}
}

func records(recs []model.Record) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = map[string]any(r)
	}
	return out
}

func sortOrder(s string) model.SortOrder {
	if s == string(model.SortDesc) {
		return model.SortDesc
	}
	return model.SortAsc
}
