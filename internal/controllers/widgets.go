package controllers

import (
	"context"
	"fmt"
	"slices"

	"github.com/pitabwire/watchtower/internal/pipeline"
	"github.com/pitabwire/watchtower/internal/validate"
	"github.com/pitabwire/watchtower/model"
)

// Widget types that can be placed on a dashboard.
const (
	WidgetClock     = "clock"
	WidgetURL       = "url"
	WidgetPlainText = "plaintext"
	WidgetNotes     = "notes"
)

// widgetFields lists the configuration fields of each widget type. Fields
// sent for a type that does not declare them are dropped.
var widgetFields = map[string][]validate.FieldSpec{
	WidgetClock: {
		validate.Int("time_type").WithLabel("Time type").In("0", "1", "2").WithDefault("0"),
		validate.Int("clock_type").WithLabel("Clock type").In("0", "1").WithDefault("0"),
		validate.String("tzone_timezone").WithLabel("Time zone").Sanitized(validate.SanitizeModeText).Rule("max=50"),
	},
	WidgetURL: {
		validate.String("url").WithLabel("URL").Require().NonEmpty().Rule("url").Rule("max=2048"),
		validate.Int("dynamic").WithLabel("Dynamic item").In("0", "1").WithDefault("0"),
	},
	WidgetPlainText: {
		validate.IDs("itemids").WithLabel("Items").Require().NonEmpty().Exists(KindItem),
		validate.Int("show_lines").WithLabel("Show lines").WithDefault("25").Rule("gte=1").Rule("lte=100"),
		validate.Int("style").WithLabel("Items location").In("0", "1").WithDefault("0"),
	},
	WidgetNotes: {
		validate.String("content").WithLabel("Content").Sanitized(validate.SanitizeModeMarkup).Rule("max=65535"),
	},
}

func widgetTypes() []string {
	types := make([]string, 0, len(widgetFields))
	for t := range widgetFields {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// WidgetConfig is the answer of widget.configure.
type WidgetConfig struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
	Errors []string       `json:"errors,omitempty"`
}

func widgetConfigure(deps Deps) (*pipeline.Handler, error) {
	return pipeline.NewBuilder(string(ActionWidgetConfigure)).
		ReadOnly().
		Fields(
			validate.String("type").Require().NonEmpty().In(widgetTypes()...).AsFatal(),
			validate.String("name").WithLabel("Name").Sanitized(validate.SanitizeModeText).Rule("max=255"),
			validate.Object("fields").WithDefault(map[string]any{}),
		).
		Act(func(ctx context.Context, a *pipeline.Action) (model.ActionResult, error) {
			typ := a.Inputs.String("type")
			specs, ok := widgetFields[typ]
			if !ok {
				return model.ActionResult{}, fmt.Errorf("widget type %q has no fields", typ)
			}

			outcome, err := deps.Validator.Validate(ctx, model.NewRequest(a.Inputs.Map("fields")), specs, a.Backend)
			if err != nil {
				return model.ActionResult{}, err
			}

			cfg := WidgetConfig{
				Type:   typ,
				Name:   a.Inputs.String("name"),
				Fields: map[string]any{},
			}
			if outcome.Valid {
				cfg.Fields = outcome.Inputs
			} else {
				cfg.Errors = outcome.Messages
			}
			return model.JSON(cfg)
		}).
		Build()
}
