package controllers

import (
	"context"
	"fmt"
	"slices"

	"github.com/pitabwire/watchtower/internal/audit"
	"github.com/pitabwire/watchtower/internal/capability"
	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// Macro sources, lowest precedence first.
const (
	MacroSourceGlobal   = "global"
	MacroSourceTemplate = "template"
	MacroSourceHost     = "host"
)

// EffectiveMacro is a macro as resolved on a host, with the level that
// defined the value in effect.
type EffectiveMacro struct {
	Macro       string `json:"macro"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Source      string `json:"source"`
	SourceID    string `json:"source_id,omitempty"`
	// Inherited holds the value the macro would have without the host's own
	// definition, when one exists.
	Inherited *EffectiveMacro `json:"inherited,omitempty"`
}

// MergeMacros resolves macro inheritance: host definitions override
// templates, templates override global macros. Among templates the one
// linked first wins. The result is sorted by macro name.
func MergeMacros(global []model.Record, templates map[string][]model.Record, templateOrder []string, host []model.Record) []EffectiveMacro {
	byName := map[string]*EffectiveMacro{}

	set := func(rec model.Record, source, sourceID string) {
		name := rec.String("macro")
		m := &EffectiveMacro{
			Macro:       name,
			Value:       rec.String("value"),
			Description: rec.String("description"),
			Source:      source,
			SourceID:    sourceID,
		}
		if source == MacroSourceHost {
			m.Inherited = byName[name]
		}
		byName[name] = m
	}

	for _, rec := range global {
		set(rec, MacroSourceGlobal, rec.ID())
	}
	for i := len(templateOrder) - 1; i >= 0; i-- {
		tid := templateOrder[i]
		for _, rec := range templates[tid] {
			set(rec, MacroSourceTemplate, tid)
		}
	}
	for _, rec := range host {
		set(rec, MacroSourceHost, rec.ID())
	}

	out := make([]EffectiveMacro, 0, len(byName))
	for _, m := range byName {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b EffectiveMacro) int {
		switch {
		case a.Macro < b.Macro:
			return -1
		case a.Macro > b.Macro:
			return 1
		}
		return 0
	})
	return out
}

func macrosList(Deps) (*pipeline.Handler, error) {
	return pipeline.NewBuilder(string(ActionMacrosList)).
		ReadOnly().
		Fields(validate.ID("hostid").Require().NonEmpty().AsFatal()).
		Authorize(capability.Accessible(KindHost, "hostid")).
		OnDenied(pipeline.To(string(ActionDashboardList))).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			hostid := a.Inputs.String("hostid")
			host, _ := a.Decision.Entity(KindHost, hostid)

			global, err := a.Backend.Get(ctx, KindGlobalMacro, model.Query{})
			if err != nil {
				return model.ActionResult{}, err
			}
			templateIDs := stringList(host["templateids"])
			templates := make(map[string][]model.Record, len(templateIDs))
			for _, tid := range templateIDs {
				recs, err := a.Backend.Get(ctx, KindUserMacro, model.Query{Filter: map[string]string{"hostid": tid}})
				if err != nil {
					return model.ActionResult{}, err
				}
				templates[tid] = recs
			}
			own, err := a.Backend.Get(ctx, KindUserMacro, model.Query{
				Filter:    map[string]string{"hostid": hostid},
				SortField: "macro",
			})
			if err != nil {
				return model.ActionResult{}, err
			}

			return model.Render(string(ActionMacrosList), "Macros", map[string]any{
				"host":      map[string]any(host),
				"macros":    records(own),
				"effective": MergeMacros(global, templates, templateIDs, own),
				"editable":  canEdit(ctx, a.Backend, KindHost, hostid),
			}), nil
		}).
		Build()
}

func macrosUpdate(deps Deps) (*pipeline.Handler, error) {
	back := pipeline.To(string(ActionMacrosList), "hostid")
	return pipeline.NewBuilder(string(ActionMacrosUpdate)).
		Fields(
			validate.ID("hostid").Require().NonEmpty().AsFatal(),
			validate.Rows("macros",
				validate.ID("hostmacroid"),
				validate.String("macro").WithLabel("Macro").Require().NonEmpty().Rule("usermacro").Rule("max=255"),
				validate.String("value").WithLabel("Value").WithDefault("").Rule("max=2048"),
				validate.String("description").WithLabel("Description").WithDefault("").Rule("max=65535"),
			).WithDefault([]any{}).DropEmpty("macro", "value", "description"),
		).
		Check(uniqueMacros).
		Authorize(capability.Editable(KindHost, "hostid")).
		OnFailure(back, "Cannot update macros").
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			hostid := a.Inputs.String("hostid")
			host, _ := a.Decision.Entity(KindHost, hostid)
			rows := a.Inputs.Rows("macros")

			err := deps.Audit.InTx(ctx, a.Backend, func(ctx context.Context, tx model.Backend) error {
				existing, err := tx.Get(ctx, KindUserMacro, model.Query{Filter: map[string]string{"hostid": hostid}})
				if err != nil {
					return err
				}
				plan, err := planMacroChanges(hostid, existing, rows)
				if err != nil {
					return err
				}
				if len(plan.delete) > 0 {
					if err := tx.Delete(ctx, KindUserMacro, plan.delete...); err != nil {
						return err
					}
				}
				if len(plan.update) > 0 {
					if err := tx.Update(ctx, KindUserMacro, plan.update...); err != nil {
						return err
					}
				}
				if len(plan.create) > 0 {
					if _, err := tx.Create(ctx, KindUserMacro, plan.create...); err != nil {
						return err
					}
				}
				added, updated, deleted := len(plan.create), len(plan.update), len(plan.delete)
				if added+updated+deleted == 0 {
					return nil
				}
				return deps.Audit.Record(ctx, tx, audit.Entry{
					Action:       audit.ActionUpdate,
					ResourceType: KindHost,
					ResourceID:   hostid,
					ResourceName: host.String("host"),
					Details: map[string]any{
						"macros_added":   added,
						"macros_updated": updated,
						"macros_deleted": deleted,
					},
				})
			})
			if err != nil {
				return model.ActionResult{}, err
			}

			return model.Redirect(back(a.Request)).WithFlash(model.NewFlashOK("Macros updated")), nil
		}).
		Build()
}

// uniqueMacros rejects a form naming the same macro twice.
func uniqueMacros(_ context.Context, in model.Inputs, _ model.BackendReader) []model.FieldError {
	seen := map[string]bool{}
	var errs []model.FieldError
	for i, row := range in.Rows("macros") {
		name, _ := model.Scalar(row["macro"])
		if seen[name] {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("macros[%d].macro", i),
				Code:    validate.CodeInvalid,
				Message: fmt.Sprintf("Macro %q is not unique", name),
			})
		}
		seen[name] = true
	}
	return errs
}

type macroPlan struct {
	create []model.Record
	update []model.Record
	delete []string
}

// planMacroChanges diffs the submitted rows against the host's stored
// macros. Stored macros missing from the form are deleted; rows with an id
// update that macro when something changed; rows without an id are new.
func planMacroChanges(hostid string, existing []model.Record, rows []map[string]any) (macroPlan, error) {
	var plan macroPlan
	stored := make(map[string]model.Record, len(existing))
	for _, rec := range existing {
		stored[rec.ID()] = rec
	}

	kept := map[string]bool{}
	for _, row := range rows {
		rec := model.Record{
			"hostid":      hostid,
			"macro":       model.Record(row).String("macro"),
			"value":       model.Record(row).String("value"),
			"description": model.Record(row).String("description"),
		}
		id := model.Record(row).String("hostmacroid")
		if id == "" {
			plan.create = append(plan.create, rec)
			continue
		}
		old, ok := stored[id]
		if !ok {
			return macroPlan{}, model.NewActionFailedError(fmt.Sprintf("Macro %q does not exist on this host", rec.String("macro")))
		}
		kept[id] = true
		if old.String("macro") == rec.String("macro") &&
			old.String("value") == rec.String("value") &&
			old.String("description") == rec.String("description") {
			continue
		}
		rec["id"] = id
		plan.update = append(plan.update, rec)
	}

	for _, rec := range existing {
		if !kept[rec.ID()] {
			plan.delete = append(plan.delete, rec.ID())
		}
	}
	slices.Sort(plan.delete)
	return plan, nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := model.Scalar(item); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}
