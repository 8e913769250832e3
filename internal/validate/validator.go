// Package validate turns a raw console request into typed inputs according
// to a list of field specs.
package validate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/model"
)

// Codes carried in model.FieldError.Code.
const (
	CodeRequired = "required"
	CodeEmpty    = "empty"
	CodeType     = "type"
	CodeOneOf    = "oneof"
	CodeInvalid  = "invalid"
	CodeMismatch = "mismatch"
	CodeMissing  = "missing"
)

var userMacroPattern = regexp.MustCompile(`^\{\$[A-Z0-9_.]+(:.+)?\}$`)

// Validator checks requests against field specs. It holds no per-request
// state and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	logger   *zap.Logger
}

// NewValidator creates a Validator with the console's custom rules
// registered.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	_ = v.RegisterValidation("usermacro", func(fl validator.FieldLevel) bool {
		return userMacroPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v, logger: logger}
}

// Validate checks req against specs. Fields not named by any spec are
// ignored. Existence checks run through reader only when every local check
// has passed. The returned error reports a failed backend read; the outcome
// is then fatal.
func (v *Validator) Validate(
	ctx context.Context,
	req model.Request,
	specs []FieldSpec,
	reader model.BackendReader,
) (model.ValidationOutcome, error) {
	inputs := model.Inputs{}
	var errs []model.FieldError
	fatal := false

	fail := func(spec FieldSpec, fe model.FieldError) {
		errs = append(errs, fe)
		if spec.Fatal {
			fatal = true
		}
	}

	for _, spec := range specs {
		raw, present := req.Get(spec.Name)
		value, ok, fe := v.checkField(spec, spec.Name, spec.label(), raw, present)
		if fe != nil {
			fail(spec, *fe)
			continue
		}
		if ok {
			inputs[spec.Name] = value
		}
	}

	for _, spec := range specs {
		if spec.Matches == "" || !inputs.Has(spec.Name) {
			continue
		}
		a, _ := model.Scalar(inputs[spec.Name])
		b, _ := model.Scalar(inputs[spec.Matches])
		if a != b {
			fail(spec, model.FieldError{
				Field:   spec.Name,
				Code:    CodeMismatch,
				Message: fmt.Sprintf("%s must match %s", spec.label(), labelOf(specs, spec.Matches)),
			})
		}
	}

	if len(errs) > 0 {
		return invalid(fatal, errs), nil
	}

	for _, spec := range specs {
		if spec.ExistsKind == "" || !inputs.Has(spec.Name) {
			continue
		}
		ids := idsOf(inputs[spec.Name])
		if len(ids) == 0 {
			continue
		}
		if reader == nil {
			return invalid(true, nil), errors.New("existence check without a backend reader")
		}
		// Records the principal cannot read count as missing.
		n, err := reader.Count(ctx, spec.ExistsKind, model.Query{IDs: ids, Accessible: true})
		if err != nil {
			return invalid(true, nil), fmt.Errorf("checking %s references: %w", spec.Name, err)
		}
		if n != len(ids) {
			fail(spec, model.FieldError{
				Field:   spec.Name,
				Code:    CodeMissing,
				Message: fmt.Sprintf("%s references a missing record", spec.label()),
			})
		}
	}

	if len(errs) > 0 {
		return invalid(fatal, errs), nil
	}
	return model.Valid(inputs), nil
}

func invalid(fatal bool, errs []model.FieldError) model.ValidationOutcome {
	kind := model.SeverityField
	if fatal {
		kind = model.SeverityFatal
	}
	return model.Invalid(kind, errs)
}

// checkField applies presence, default, coercion, emptiness, allowed set and
// validator tag to one value. ok is false when the field is absent and
// optional.
func (v *Validator) checkField(spec FieldSpec, path, label string, raw any, present bool) (any, bool, *model.FieldError) {
	if !present || raw == nil {
		switch {
		case spec.HasDefault:
			raw = spec.Default
		case spec.Required:
			return nil, false, fieldErr(path, CodeRequired, "%s is required", label)
		default:
			return nil, false, nil
		}
	}

	value, fe := v.coerce(spec, path, label, raw)
	if fe != nil {
		return nil, false, fe
	}

	if spec.NotEmpty && isEmpty(value) {
		return nil, false, fieldErr(path, CodeEmpty, "%s cannot be empty", label)
	}

	if len(spec.OneOf) > 0 {
		s, _ := model.Scalar(value)
		if !slices.Contains(spec.OneOf, s) {
			return nil, false, fieldErr(path, CodeOneOf, "%s must be one of: %s", label, strings.Join(spec.OneOf, ", "))
		}
	}

	if spec.Tag != "" && !isEmpty(value) {
		if err := v.validate.Var(value, spec.Tag); err != nil {
			return nil, false, v.tagError(path, label, err)
		}
	}

	return value, true, nil
}

func (v *Validator) coerce(spec FieldSpec, path, label string, raw any) (any, *model.FieldError) {
	switch spec.Kind {
	case KindString:
		s, ok := model.Scalar(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		return sanitize(spec.Sanitize, s), nil

	case KindInt:
		s, ok := model.Scalar(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s must be an integer", label)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fieldErr(path, CodeEmpty, "%s cannot be empty", label)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fieldErr(path, CodeType, "%s must be an integer", label)
		}
		return n, nil

	case KindID:
		s, ok := model.Scalar(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", nil
		}
		if !isID(s) {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		return s, nil

	case KindIDs:
		items, ok := listOf(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		ids := make([]string, 0, len(items))
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			s, ok := model.Scalar(item)
			s = strings.TrimSpace(s)
			if !ok || !isID(s) {
				return nil, fieldErr(path, CodeType, "%s is invalid", label)
			}
			if !seen[s] {
				seen[s] = true
				ids = append(ids, s)
			}
		}
		return ids, nil

	case KindBool:
		s, ok := model.Scalar(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no", "":
			return false, nil
		}
		return nil, fieldErr(path, CodeType, "%s is invalid", label)

	case KindRows:
		items, ok := listOf(raw)
		if !ok {
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		rows := make([]map[string]any, 0, len(items))
		for _, item := range items {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, fieldErr(path, CodeType, "%s is invalid", label)
			}
			rows = append(rows, row)
		}
		if spec.dropEmpty {
			rows = DropEmptyRows(rows, spec.DropEmptyBy...)
		}
		return v.checkRows(spec, path, rows)

	case KindObject:
		m, ok := raw.(map[string]any)
		if !ok {
			if model.IsBlank(raw) {
				return map[string]any{}, nil
			}
			return nil, fieldErr(path, CodeType, "%s is invalid", label)
		}
		return m, nil
	}
	return nil, fieldErr(path, CodeType, "%s has an unsupported kind", label)
}

func (v *Validator) checkRows(spec FieldSpec, path string, rows []map[string]any) (any, *model.FieldError) {
	if len(spec.Columns) == 0 {
		return rows, nil
	}
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		checked := make(map[string]any, len(spec.Columns))
		for _, col := range spec.Columns {
			colPath := fmt.Sprintf("%s[%d].%s", path, i, col.Name)
			colLabel := colPath
			if col.Label != "" {
				colLabel = fmt.Sprintf("%s in row %d", col.Label, i+1)
			}
			raw, present := row[col.Name]
			value, ok, fe := v.checkField(col, colPath, colLabel, raw, present)
			if fe != nil {
				return nil, fe
			}
			if ok {
				checked[col.Name] = value
			}
		}
		out = append(out, checked)
	}
	return out, nil
}

func (v *Validator) tagError(path, label string, err error) *model.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		v.logger.Debug("validator rule failed", zap.String("field", path), zap.Error(err))
		return fieldErr(path, CodeInvalid, "%s is invalid", label)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "max":
		return fieldErr(path, fe.Tag(), "%s is too long (maximum %s)", label, fe.Param())
	case "min":
		return fieldErr(path, fe.Tag(), "%s is too short (minimum %s)", label, fe.Param())
	case "lte":
		return fieldErr(path, fe.Tag(), "%s must be at most %s", label, fe.Param())
	case "gte":
		return fieldErr(path, fe.Tag(), "%s must be at least %s", label, fe.Param())
	default:
		return fieldErr(path, fe.Tag(), "%s is invalid", label)
	}
}

func fieldErr(path, code, format string, args ...any) *model.FieldError {
	return &model.FieldError{Field: path, Code: code, Message: fmt.Sprintf(format, args...)}
}

// listOf accepts a list, a bracket-indexed object ({"0": .., "1": ..}) or a
// single scalar.
func listOf(raw any) ([]any, bool) {
	switch t := raw.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, errA := strconv.Atoi(keys[i])
			b, errB := strconv.Atoi(keys[j])
			if errA == nil && errB == nil {
				return a < b
			}
			return keys[i] < keys[j]
		})
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = t[k]
		}
		return out, true
	case string:
		if strings.TrimSpace(t) == "" {
			return []any{}, true
		}
		return []any{t}, true
	case nil:
		return []any{}, true
	}
	if s, ok := model.Scalar(raw); ok {
		return []any{s}, true
	}
	return nil, false
}

func isID(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case []string:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	}
	return model.IsBlank(v)
}

func idsOf(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	}
	return nil
}

func labelOf(specs []FieldSpec, name string) string {
	for _, s := range specs {
		if s.Name == name {
			return s.label()
		}
	}
	return name
}
