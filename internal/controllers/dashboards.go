package controllers

import (
	"context"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// Preference remembering the dashboard opened last.
const prefLastDashboard = "dashboard.view.dashboardid"

func dashboardList(Deps) (*pipeline.Handler, error) {
	page := string(ActionDashboardList)
	return pipeline.NewBuilder(page).
		ReadOnly().
		Fields(filterFields()...).
		Fields(
			validate.String("sort").In("name", "id"),
			validate.String("sortorder").In(string(model.SortAsc), string(model.SortDesc)),
			validate.String("filter_name").Rule("max=255"),
		).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			sort := sticky(ctx, a, page, prefs.KeySort, "name")
			order := sticky(ctx, a, page, prefs.KeySortOrder, string(model.SortAsc))
			filter := listFilter(ctx, a, page, "filter_name")

			q := model.Query{Accessible: true, SortField: sort, SortOrder: sortOrder(order)}
			if name := filter["filter_name"]; name != "" {
				q.Search = map[string]string{"name": name}
			}
			dashboards, err := a.Backend.Get(ctx, KindDashboard, q)
			if err != nil {
				return model.ActionResult{}, err
			}

			return model.Render(page, "Dashboards", map[string]any{
				"dashboards": records(dashboards),
				"sort":       sort,
				"sortorder":  order,
				"filter":     filter,
				"last":       a.Pref(ctx, prefLastDashboard, ""),
			}), nil
		}).
		Build()
}

func dashboardView(Deps) (*pipeline.Handler, error) {
	return pipeline.NewBuilder(string(ActionDashboardView)).
		ReadOnly().
		Fields(validate.ID("dashboardid").Require().NonEmpty().AsFatal()).
		Authorize(capability.Accessible(KindDashboard, "dashboardid")).
		OnDenied(pipeline.To(string(ActionDashboardList))).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			id := a.Inputs.String("dashboardid")
			dashboard, _ := a.Decision.Entity(KindDashboard, id)

			widgets, err := a.Backend.Get(ctx, KindWidget, model.Query{
				Filter:    map[string]string{"dashboardid": id},
				SortField: "y",
			})
			if err != nil {
				return model.ActionResult{}, err
			}
			a.SetPref(ctx, prefLastDashboard, id)

			return model.Render(string(ActionDashboardView), dashboard.String("name"), map[string]any{
				"dashboard": map[string]any(dashboard),
				"widgets":   records(widgets),
				"editable":  canEdit(ctx, a.Backend, KindDashboard, id),
			}), nil
		}).
		Build()
}

func dashboardUpdate(deps Deps) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionDashboardView), "dashboardid")
	return pipeline.NewBuilder(string(ActionDashboardUpdate)).
		Fields(
			validate.ID("dashboardid").Require().NonEmpty().AsFatal(),
			validate.String("name").Require().NonEmpty().Rule("max=255"),
			validate.String("private").In("0", "1").WithDefault("1"),
		).
		Authorize(capability.Editable(KindDashboard, "dashboardid")).
		OnFailure(back, "Cannot update dashboard").
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			id := a.Inputs.String("dashboardid")
			before, _ := a.Decision.Entity(KindDashboard, id)
			after := model.Record{
				"id":      id,
				"name":    a.Inputs.String("name"),
				"private": a.Inputs.String("private"),
			}

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				if err := tx.Update(ctx, KindDashboard, after); err != nil {
					return err
				}
				return deps.Audit.Record(ctx, tx, audit.Entry{
					Action:       audit.ActionUpdate,
					ResourceType: KindDashboard,
					ResourceID:   id,
					ResourceName: after.String("name"),
					Details:      audit.Changes(before, after, "name", "private"),
				})
			})
			if err != nil {
				return model.ActionResult{}, err
			}

			return model.Redirect(back(a.Request)).WithFlash(model.NewFlashOK("Dashboard updated")), nil
		}).
		Build()
}

// canEdit reports whether the principal may write the entity. Read errors
// answer false.
func canEdit(ctx context.Context, r model.BackendReader, kind, id string) bool {
	n, err := r.Count(ctx, kind, model.Query{IDs: []string{id}, Editable: true})
	return err == nil && n == 1
}
