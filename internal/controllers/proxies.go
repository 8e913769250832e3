package controllers

import (
	"context"
	"fmt"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/prefs"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// Proxy operating modes.
const (
	ProxyActive  = "0"
	ProxyPassive = "1"
)

func proxyList(Deps) (*pipeline.Handler, error) {
	page := string(ActionProxyList)
	return pipeline.NewBuilder(page).
		ReadOnly().
		MinUserType(model.UserTypeAdmin).
		OnDenied(pipeline.To(string(ActionDashboardList))).
		Fields(filterFields()...).
		Fields(
			validate.String("filter_name").Rule("max=255"),
			validate.String("filter_operating_mode").In("", ProxyActive, ProxyPassive),
			validate.String("sort").In("name", "operating_mode"),
			validate.String("sortorder").In(string(model.SortAsc), string(model.SortDesc)),
		).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			sort := sticky(ctx, a, page, prefs.KeySort, "name")
			order := sticky(ctx, a, page, prefs.KeySortOrder, string(model.SortAsc))
			filter := listFilter(ctx, a, page, "filter_name", "filter_operating_mode")

			q := model.Query{SortField: sort, SortOrder: sortOrder(order)}
			if v := filter["filter_name"]; v != "" {
				q.Search = map[string]string{"name": v}
			}
			if v := filter["filter_operating_mode"]; v != "" {
				q.Filter = map[string]string{"operating_mode": v}
			}
			proxies, err := a.Backend.Get(ctx, KindProxy, q)
			if err != nil {
				return model.ActionResult{}, err
			}

			hosts := make(map[string]int, len(proxies))
			for _, p := range proxies {
				n, err := a.Backend.Count(ctx, KindHost, model.Query{Filter: map[string]string{"proxyid": p.ID()}})
				if err != nil {
					return model.ActionResult{}, err
				}
				hosts[p.ID()] = n
			}

			return model.Render(page, "Proxies", map[string]any{
				"proxies":   records(proxies),
				"hosts":     hosts,
				"sort":      sort,
				"sortorder": order,
				"filter":    filter,
			}), nil
		}).
		Build()
}

func proxyDelete(deps Deps) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionProxyList))
	return pipeline.NewBuilder(string(ActionProxyDelete)).
		MinUserType(model.UserTypeAdmin).
		Require(CapProxiesDelete).
		Fields(validate.IDs("proxyids").WithLabel("Proxies").Require().NonEmpty().AsFatal()).
		Authorize(capability.Editable(KindProxy, "proxyids")).
		OnFailure(back, "Cannot delete proxies").
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			ids := a.Inputs.IDs("proxyids")
			proxies := a.Decision.Entities[KindProxy]

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				for _, p := range proxies {
					used, err := tx.Get(ctx, KindHost, model.Query{
						Filter: map[string]string{"proxyid": p.ID()},
						Limit:  1,
					})
					if err != nil {
						return err
					}
					if len(used) > 0 {
						return model.NewActionFailedError(fmt.Sprintf("Proxy %q is used by host %q", p.String("name"), used[0].String("host")))
					}
				}
				if err := tx.Delete(ctx, KindProxy, ids...); err != nil {
					return err
				}
				return deps.Audit.RecordAll(ctx, tx, audit.ActionDelete, KindProxy, proxies, "name")
			})
			if err != nil {
				return model.ActionResult{}, pipeline.Fail(plural(len(ids), "Cannot delete proxy", "Cannot delete proxies"), err)
			}

			msg := plural(len(ids), "Proxy deleted", "%d proxies deleted")
			return model.Redirect(back(a.Request)).WithFlash(model.NewFlashOK(msg)), nil
		}).
		Build()
}
