package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pitabwire/watchtower/model"
)

type countingReader struct {
	counts map[string]int
	err    error
	calls  int
}

func (r *countingReader) Get(_ context.Context, _ string, _ model.Query) ([]model.Record, error) {
	r.calls++
	return nil, r.err
}

func (r *countingReader) Count(_ context.Context, kind string, q model.Query) (int, error) {
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	n := r.counts[kind]
	if n > len(q.IDs) {
		n = len(q.IDs)
	}
	return n, nil
}

func dashboardSpecs() []FieldSpec {
	return []FieldSpec{
		ID("dashboardid").Require().NonEmpty().AsFatal().Exists("dashboards"),
		String("name").Require().NonEmpty().Rule("max=255"),
		Int("private").WithDefault("0").In("0", "1"),
	}
}

func TestValidate_emptyNameIsFieldError(t *testing.T) {
	v := NewValidator(nil)
	reader := &countingReader{counts: map[string]int{"dashboards": 1}}
	req := model.NewRequest(map[string]any{"name": "", "dashboardid": "5"})

	out, err := v.Validate(context.Background(), req, dashboardSpecs(), reader)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Valid {
		t.Fatal("Valid = true, want false")
	}
	if out.Kind != model.SeverityField {
		t.Errorf("Kind = %v, want field_error", out.Kind)
	}
	if diff := cmp.Diff([]string{"name cannot be empty"}, out.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
	if reader.calls != 0 {
		t.Errorf("backend calls = %d, want 0", reader.calls)
	}
}

func TestValidate_isRepeatable(t *testing.T) {
	v := NewValidator(nil)
	reader := &countingReader{counts: map[string]int{"dashboards": 1}}
	reqs := []model.Request{
		model.NewRequest(map[string]any{"name": "", "dashboardid": "5"}),
		model.NewRequest(map[string]any{"name": "Main", "dashboardid": "5", "private": "1"}),
		model.NewRequest(map[string]any{"name": "Main", "dashboardid": "x"}),
		model.NewRequest(map[string]any{"name": "Main", "dashboardid": "5", "extra": []any{"1"}}),
	}

	for _, req := range reqs {
		before := req.Fields()
		first, err1 := v.Validate(context.Background(), req, dashboardSpecs(), reader)
		second, err2 := v.Validate(context.Background(), req, dashboardSpecs(), reader)

		if (err1 == nil) != (err2 == nil) {
			t.Errorf("errors differ: %v vs %v", err1, err2)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("outcomes differ (-first +second):\n%s", diff)
		}
		if diff := cmp.Diff(before, req.Fields()); diff != "" {
			t.Errorf("request mutated (-before +after):\n%s", diff)
		}
	}
}

func TestValidate_validInputsAreTyped(t *testing.T) {
	v := NewValidator(nil)
	reader := &countingReader{counts: map[string]int{"dashboards": 1}}
	req := model.NewRequest(map[string]any{"name": "Main", "dashboardid": "5", "unknown": "x"})

	out, err := v.Validate(context.Background(), req, dashboardSpecs(), reader)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !out.Valid {
		t.Fatalf("Valid = false, messages %v", out.Messages)
	}
	want := model.Inputs{"dashboardid": "5", "name": "Main", "private": 0}
	if diff := cmp.Diff(want, out.Inputs); diff != "" {
		t.Errorf("Inputs mismatch (-want +got):\n%s", diff)
	}
	if reader.calls != 1 {
		t.Errorf("backend calls = %d, want 1", reader.calls)
	}
}

func TestValidate_fatalField(t *testing.T) {
	v := NewValidator(nil)
	req := model.NewRequest(map[string]any{"name": "Main", "dashboardid": "abc"})

	out, err := v.Validate(context.Background(), req, dashboardSpecs(), &countingReader{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Kind != model.SeverityFatal {
		t.Errorf("Kind = %v, want fatal_error", out.Kind)
	}
}

func TestValidate_missingReference(t *testing.T) {
	v := NewValidator(nil)
	reader := &countingReader{counts: map[string]int{"items": 2}}
	specs := []FieldSpec{IDs("ids").Require().NonEmpty().Exists("items").WithLabel("items")}
	req := model.NewRequest(map[string]any{"ids": []any{"1", "2", "3"}})

	out, err := v.Validate(context.Background(), req, specs, reader)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Valid || out.Kind != model.SeverityField {
		t.Fatalf("outcome = %+v, want field error", out)
	}
	if out.Messages[0] != "items references a missing record" {
		t.Errorf("message = %q", out.Messages[0])
	}
}

func TestValidate_referencesAreCheckedWithinAccess(t *testing.T) {
	v := NewValidator(nil)
	reader := &queryRecorder{}
	specs := []FieldSpec{IDs("ids").Exists("items")}
	req := model.NewRequest(map[string]any{"ids": []any{"1"}})

	if _, err := v.Validate(context.Background(), req, specs, reader); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(reader.queries) != 1 || !reader.queries[0].Accessible {
		t.Errorf("queries = %+v, want one count scoped to accessible records", reader.queries)
	}
}

type queryRecorder struct{ queries []model.Query }

func (r *queryRecorder) Get(context.Context, string, model.Query) ([]model.Record, error) {
	return nil, nil
}

func (r *queryRecorder) Count(_ context.Context, _ string, q model.Query) (int, error) {
	r.queries = append(r.queries, q)
	return len(q.IDs), nil
}

func TestValidate_backendErrorIsFatal(t *testing.T) {
	v := NewValidator(nil)
	reader := &countingReader{err: errors.New("down")}
	specs := []FieldSpec{IDs("ids").Exists("items")}
	req := model.NewRequest(map[string]any{"ids": []any{"1"}})

	out, err := v.Validate(context.Background(), req, specs, reader)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Kind != model.SeverityFatal {
		t.Errorf("Kind = %v, want fatal_error", out.Kind)
	}
}

func TestValidate_messages(t *testing.T) {
	tests := []struct {
		name string
		spec FieldSpec
		raw  map[string]any
		want string
	}{
		{"required", String("name").Require(), map[string]any{}, "name is required"},
		{"integer", Int("limit"), map[string]any{"limit": "ten"}, "limit must be an integer"},
		{"oneof", String("private").In("0", "1"), map[string]any{"private": "2"}, "private must be one of: 0, 1"},
		{"max", String("name").Rule("max=3"), map[string]any{"name": "abcd"}, "name is too long (maximum 3)"},
		{"email", String("mail").Rule("email"), map[string]any{"mail": "nope"}, "mail is invalid"},
		{"macro", String("macro").Rule("usermacro"), map[string]any{"macro": "$A"}, "macro is invalid"},
		{"ids type", IDs("ids"), map[string]any{"ids": []any{"1", "x"}}, "ids is invalid"},
		{"bool", Bool("status"), map[string]any{"status": "maybe"}, "status is invalid"},
		{"label", String("name").NonEmpty().WithLabel("Name"), map[string]any{"name": " "}, "Name cannot be empty"},
	}
	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := v.Validate(context.Background(), model.NewRequest(tt.raw), []FieldSpec{tt.spec}, nil)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if out.Valid || len(out.Messages) != 1 {
				t.Fatalf("outcome = %+v, want one message", out)
			}
			if out.Messages[0] != tt.want {
				t.Errorf("message = %q, want %q", out.Messages[0], tt.want)
			}
		})
	}
}

func TestValidate_mustMatch(t *testing.T) {
	v := NewValidator(nil)
	specs := []FieldSpec{
		String("password").WithLabel("Password"),
		String("password2").WithLabel("Password (once again)").MustMatch("password"),
	}
	req := model.NewRequest(map[string]any{"password": "a", "password2": "b"})

	out, _ := v.Validate(context.Background(), req, specs, nil)
	if out.Valid {
		t.Fatal("Valid = true, want false")
	}
	if out.Messages[0] != "Password (once again) must match Password" {
		t.Errorf("message = %q", out.Messages[0])
	}
}

func TestValidate_idsCoercion(t *testing.T) {
	v := NewValidator(nil)
	specs := []FieldSpec{IDs("ids")}
	tests := []struct {
		raw  any
		want []string
	}{
		{[]any{"1", "2", "1"}, []string{"1", "2"}},
		{map[string]any{"1": "7", "0": "3"}, []string{"3", "7"}},
		{"4", []string{"4"}},
		{[]any{2, 3}, []string{"2", "3"}},
	}
	for _, tt := range tests {
		out, _ := v.Validate(context.Background(), model.NewRequest(map[string]any{"ids": tt.raw}), specs, nil)
		if !out.Valid {
			t.Fatalf("raw %v: %v", tt.raw, out.Messages)
		}
		if diff := cmp.Diff(tt.want, out.Inputs.IDs("ids")); diff != "" {
			t.Errorf("raw %v (-want +got):\n%s", tt.raw, diff)
		}
	}
}

func TestValidate_rowsDropEmptyAndColumns(t *testing.T) {
	v := NewValidator(nil)
	specs := []FieldSpec{
		Rows("macros",
			ID("hostmacroid"),
			String("macro").Require().NonEmpty().Rule("usermacro").WithLabel("Macro"),
			String("value").WithDefault(""),
		).DropEmpty("macro", "value"),
	}
	req := model.NewRequest(map[string]any{"macros": map[string]any{
		"0": map[string]any{"macro": "{$A}", "value": "1"},
		"1": map[string]any{"macro": "", "value": ""},
		"2": map[string]any{"macro": "{$B}", "value": "2", "junk": "x"},
	}})

	out, err := v.Validate(context.Background(), req, specs, nil)
	if err != nil || !out.Valid {
		t.Fatalf("Validate = %+v, %v", out, err)
	}
	want := []map[string]any{
		{"macro": "{$A}", "value": "1"},
		{"macro": "{$B}", "value": "2"},
	}
	if diff := cmp.Diff(want, out.Inputs.Rows("macros")); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_rowColumnError(t *testing.T) {
	v := NewValidator(nil)
	specs := []FieldSpec{
		Rows("macros", String("macro").NonEmpty().Rule("usermacro").WithLabel("Macro")),
	}
	req := model.NewRequest(map[string]any{"macros": []any{
		map[string]any{"macro": "{$A}"},
		map[string]any{"macro": "bad"},
	}})

	out, _ := v.Validate(context.Background(), req, specs, nil)
	if out.Valid {
		t.Fatal("Valid = true, want false")
	}
	if out.Fields[0].Field != "macros[1].macro" {
		t.Errorf("Field = %q", out.Fields[0].Field)
	}
	if out.Messages[0] != "Macro in row 2 is invalid" {
		t.Errorf("message = %q", out.Messages[0])
	}
}

func TestValidate_sanitizes(t *testing.T) {
	v := NewValidator(nil)
	specs := []FieldSpec{String("name").Sanitized(SanitizeModeText)}
	req := model.NewRequest(map[string]any{"name": `<script>alert(1)</script>CPU <b>load</b>`})

	out, _ := v.Validate(context.Background(), req, specs, nil)
	if got := out.Inputs.String("name"); got != "CPU load" {
		t.Errorf("name = %q, want %q", got, "CPU load")
	}
}
