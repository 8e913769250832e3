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

// Item status values.
const (
	ItemEnabled  = "0"
	ItemDisabled = "1"
)

func itemList(Deps) (*pipeline.Handler, error) {
	page := string(ActionItemList)
	return pipeline.NewBuilder(page).
		ReadOnly().
		Fields(filterFields()...).
		Fields(
			validate.ID("hostid"),
			validate.String("filter_name").Rule("max=255"),
			validate.String("filter_key").Rule("max=2048"),
			validate.String("filter_status").In("", ItemEnabled, ItemDisabled),
			validate.String("sort").In("name", "key_", "status"),
			validate.String("sortorder").In(string(model.SortAsc), string(model.SortDesc)),
		).
		Authorize(capability.Accessible(KindHost, "hostid")).
		OnDenied(pipeline.To(page)).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			sort := sticky(ctx, a, page, prefs.KeySort, "name")
			order := sticky(ctx, a, page, prefs.KeySortOrder, string(model.SortAsc))
			filter := listFilter(ctx, a, page, "filter_name", "filter_key", "filter_status")

			q := model.Query{
				Accessible: true,
				Filter:     map[string]string{},
				Search:     map[string]string{},
				SortField:  sort,
				SortOrder:  sortOrder(order),
			}
			if hostid := a.Inputs.String("hostid"); hostid != "" {
				q.Filter["hostid"] = hostid
			}
			if v := filter["filter_status"]; v != "" {
				q.Filter["status"] = v
			}
			if v := filter["filter_name"]; v != "" {
				q.Search["name"] = v
			}
			if v := filter["filter_key"]; v != "" {
				q.Search["key_"] = v
			}

			items, err := a.Backend.Get(ctx, KindItem, q)
			if err != nil {
				return model.ActionResult{}, err
			}

			return model.Render(page, "Items", map[string]any{
				"items":     records(items),
				"hostid":    a.Inputs.String("hostid"),
				"sort":      sort,
				"sortorder": order,
				"filter":    filter,
			}), nil
		}).
		Build()
}

// massFields are the inputs of item list bulk actions.
func massFields() []validate.FieldSpec {
	return []validate.FieldSpec{
		validate.IDs("ids").WithLabel("Items").Require().NonEmpty().AsFatal(),
		validate.ID("hostid"),
	}
}

func itemMassDelete(deps Deps) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionItemList), "hostid")
	return pipeline.NewBuilder(string(ActionItemMassDelete)).
		Fields(massFields()...).
		Require(CapItemsDelete).
		Authorize(capability.Editable(KindItem, "ids")).
		OnFailure(back, "Cannot delete items").
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			ids := a.Inputs.IDs("ids")
			items := a.Decision.Entities[KindItem]

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				if err := tx.Delete(ctx, KindItem, ids...); err != nil {
					return err
				}
				return deps.Audit.RecordAll(ctx, tx, audit.ActionDelete, KindItem, items, "name")
			})
			if err != nil {
				return model.ActionResult{}, pipeline.Fail(plural(len(ids), "Cannot delete item", "Cannot delete items"), err)
			}

			msg := plural(len(ids), "Item deleted", "%d items deleted")
			return model.Redirect(back(a.Request)).WithFlash(model.NewFlashOK(msg)), nil
		}).
		Build()
}

func itemMassEnable(deps Deps) (*pipeline.Handler, error) {
	return itemMassStatus(deps, ActionItemMassEnable, ItemEnabled,
		"Item enabled", "%d items enabled", "Cannot enable item", "Cannot enable items")
}

func itemMassDisable(deps Deps) (*pipeline.Handler, error) {
	return itemMassStatus(deps, ActionItemMassDisable, ItemDisabled,
		"Item disabled", "%d items disabled", "Cannot disable item", "Cannot disable items")
}

func itemMassStatus(deps Deps, action Action, status, okOne, okMany, failOne, failMany string) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionItemList), "hostid")
	return pipeline.NewBuilder(string(action)).
		Fields(massFields()...).
		Require(CapItemsUpdate).
		Authorize(capability.Editable(KindItem, "ids")).
		OnFailure(back, failMany).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			ids := a.Inputs.IDs("ids")
			items := a.Decision.Entities[KindItem]

			updates := make([]model.Record, 0, len(items))
			for _, item := range items {
				if item.String("status") == status {
					continue
				}
				updates = append(updates, model.Record{"id": item.ID(), "status": status})
			}

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				if len(updates) == 0 {
					return nil
				}
				if err := tx.Update(ctx, KindItem, updates...); err != nil {
					return err
				}
				for _, item := range items {
					if item.String("status") == status {
						continue
					}
					if err := deps.Audit.Record(ctx, tx, audit.Entry{
						Action:       audit.ActionUpdate,
						ResourceType: KindItem,
						ResourceID:   item.ID(),
						ResourceName: item.String("name"),
						Details:      audit.Changes(item, model.Record{"status": status}, "status"),
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return model.ActionResult{}, pipeline.Fail(plural(len(ids), failOne, failMany), err)
			}

			return model.Redirect(back(a.Request)).WithFlash(model.NewFlashOK(plural(len(ids), okOne, okMany))), nil
		}).
		Build()
}
