package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is the raw input of one pipeline run as decoded by the transport
// layer: field name to string, []any or map[string]any. It is immutable; all
// accessors return copies.
type Request struct {
	fields map[string]any
}

// NewRequest builds a Request from decoded fields. The input map is deep
// copied so later mutation by the caller is not observed.
func NewRequest(fields map[string]any) Request {
	return Request{fields: copyMap(fields)}
}

// Get returns a copy of the raw value of a field.
func (r Request) Get(name string) (any, bool) {
	v, ok := r.fields[name]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// Has reports whether the field was sent at all.
func (r Request) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// String returns the field as a string, or "" when absent or not scalar.
func (r Request) String(name string) string {
	v, ok := r.fields[name]
	if !ok {
		return ""
	}
	s, _ := Scalar(v)
	return s
}

// Fields returns a deep copy of all fields.
func (r Request) Fields() map[string]any {
	return copyMap(r.fields)
}

// Len returns the number of fields.
func (r Request) Len() int {
	return len(r.fields)
}

// Inputs are validated, typed values produced by a successful validation.
// Values are string, int, bool, []string, []map[string]any or
// map[string]any depending on the field kind.
type Inputs map[string]any

// String returns a scalar input in string form, or "" for absent and
// composite values.
func (in Inputs) String(name string) string {
	s, _ := Scalar(in[name])
	return s
}

// Int returns an int input or 0.
func (in Inputs) Int(name string) int {
	switch v := in[name].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Bool returns a bool input or false.
func (in Inputs) Bool(name string) bool {
	b, _ := in[name].(bool)
	return b
}

// IDs returns an id list input.
func (in Inputs) IDs(name string) []string {
	ids, _ := in[name].([]string)
	return ids
}

// Rows returns a row list input.
func (in Inputs) Rows(name string) []map[string]any {
	rows, _ := in[name].([]map[string]any)
	return rows
}

// Map returns an object input.
func (in Inputs) Map(name string) map[string]any {
	m, _ := in[name].(map[string]any)
	return m
}

// Has reports whether the input is present.
func (in Inputs) Has(name string) bool {
	_, ok := in[name]
	return ok
}

// Clone returns a deep copy of the inputs.
func (in Inputs) Clone() Inputs {
	return Inputs(copyMap(in))
}

// Scalar converts a raw scalar value to its string form. Composite values
// return false.
func Scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	case nil:
		return "", true
	}
	return "", false
}

// IsBlank reports whether a raw value carries no data: nil, whitespace-only
// strings, and empty lists or maps.
func IsBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case Record:
		return Record(copyMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = copyMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
