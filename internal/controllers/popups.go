package controllers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// PopupSource is a table a selection popup can list.
type PopupSource string

// Popup sources.
const (
	PopupHosts      PopupSource = "hosts"
	PopupHostGroups PopupSource = "host_groups"
	PopupItems      PopupSource = "items"
	PopupProxies    PopupSource = "proxies"
)

const defaultPopupLimit = 50

// popupTable describes how one source is listed.
type popupTable struct {
	title     string
	kind      string
	nameField string
	columns   []string
	// filters are the request fields that narrow the list, mapped to the
	// record field they match.
	filters map[string]string
	minType model.UserType
}

// popupSources returns the registry of popup sources.
func popupSources() *pipeline.Registry[PopupSource, popupTable] {
	reg := pipeline.NewRegistry[PopupSource, popupTable]("popup sources")
	for tag, t := range map[PopupSource]popupTable{
		PopupHosts: {
			title:     "Hosts",
			kind:      KindHost,
			nameField: "name",
			columns:   []string{"host", "status"},
			filters:   map[string]string{"groupid": "groupids"},
			minType:   model.UserTypeUser,
		},
		PopupHostGroups: {
			title:     "Host groups",
			kind:      KindHostGroup,
			nameField: "name",
			minType:   model.UserTypeUser,
		},
		PopupItems: {
			title:     "Items",
			kind:      KindItem,
			nameField: "name",
			columns:   []string{"key_", "status"},
			filters:   map[string]string{"hostid": "hostid"},
			minType:   model.UserTypeUser,
		},
		PopupProxies: {
			title:     "Proxies",
			kind:      KindProxy,
			nameField: "name",
			columns:   []string{"operating_mode"},
			minType:   model.UserTypeAdmin,
		},
	} {
		if err := reg.Register(tag, t); err != nil {
			panic(err)
		}
	}
	return reg
}

func popup(Deps) (*pipeline.Handler, error) {
	sources := popupSources()
	tags := make([]string, 0, sources.Len())
	for _, t := range sources.Tags() {
		tags = append(tags, string(t))
	}

	return pipeline.NewBuilder(string(ActionPopup)).
		ReadOnly().
		SkipCSRF().
		Fields(
			validate.String("srctbl").Require().NonEmpty().In(tags...).AsFatal(),
			validate.String("srcfld1").WithDefault("id").Rule("max=64").AsFatal(),
			validate.String("dstfrm").Rule("max=255"),
			validate.String("dstfld1").Rule("max=255"),
			validate.Bool("multiselect"),
			validate.Bool("ajax"),
			validate.ID("hostid"),
			validate.ID("groupid"),
			validate.String("search").Rule("max=255"),
			validate.Int("limit").WithDefault(strconv.Itoa(defaultPopupLimit)).Rule("gte=1").Rule("lte=1000"),
		).
		Authorize(func(ctx context.Context, in model.Inputs, _ model.BackendReader) (model.AuthorizationDecision, error) {
			table, err := sources.Resolve(in.String("srctbl"))
			if err != nil {
				return model.Deny(), err
			}
			if !model.RequestContextFrom(ctx).AtLeast(table.minType) {
				return model.Deny(), nil
			}
			return model.Allow(), nil
		}).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			srctbl := a.Inputs.String("srctbl")
			table, err := sources.Resolve(srctbl)
			if err != nil {
				return model.ActionResult{}, err
			}

			q := model.Query{
				Accessible: table.kind != KindProxy,
				SortField:  table.nameField,
				Limit:      a.Inputs.Int("limit"),
			}
			for field, recField := range table.filters {
				if v := a.Inputs.String(field); v != "" {
					if q.Filter == nil {
						q.Filter = map[string]string{}
					}
					q.Filter[recField] = v
				}
			}
			if s := a.Inputs.String("search"); s != "" {
				q.Search = map[string]string{table.nameField: s}
			}

			recs, err := a.Backend.Get(ctx, table.kind, q)
			if err != nil {
				return model.ActionResult{}, fmt.Errorf("popup %s: %w", srctbl, err)
			}

			srcfld := a.Inputs.String("srcfld1")
			rows := make([]map[string]any, 0, len(recs))
			for _, rec := range recs {
				row := map[string]any{
					"id":   rec.String(srcfld),
					"name": rec.String(table.nameField),
				}
				for _, c := range table.columns {
					row[c] = rec.String(c)
				}
				rows = append(rows, row)
			}

			if a.Inputs.Bool("ajax") {
				return model.JSON(map[string]any{
					"srctbl":  srctbl,
					"records": rows,
				})
			}
			return model.Render("popup.generic", table.title, map[string]any{
				"srctbl":      srctbl,
				"records":     rows,
				"columns":     table.columns,
				"dstfrm":      a.Inputs.String("dstfrm"),
				"dstfld1":     a.Inputs.String("dstfld1"),
				"multiselect": a.Inputs.Bool("multiselect"),
			}), nil
		}).
		Build()
}
