package validate

import "slices"

// Kind is the type a raw field value is coerced to.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindID
	KindIDs
	KindBool
	KindRows
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindID:
		return "id"
	case KindIDs:
		return "ids"
	case KindBool:
		return "bool"
	case KindRows:
		return "rows"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// SanitizeMode selects the markup policy applied to string values.
type SanitizeMode int

const (
	SanitizeNone SanitizeMode = iota
	// SanitizeModeText strips all markup.
	SanitizeModeText
	// SanitizeModeMarkup keeps a safe subset of user-generated markup.
	SanitizeModeMarkup
)

// FieldSpec is the declarative rule for one request field. Specs are values;
// the chainable methods return modified copies so shared base specs can be
// refined per handler.
type FieldSpec struct {
	Name       string
	Label      string
	Kind       Kind
	Required   bool
	NotEmpty   bool
	HasDefault bool
	Default    any
	OneOf      []string
	Tag        string
	Matches    string
	ExistsKind string
	Fatal      bool
	Sanitize   SanitizeMode
	// DropEmptyBy lists the row keys that decide whether a row is empty.
	// Empty rows are removed before the columns are checked. Nil means
	// rows are kept as sent.
	DropEmptyBy []string
	dropEmpty   bool
	Columns     []FieldSpec
}

// String declares a string field.
func String(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindString} }

// Int declares an integer field.
func Int(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindInt} }

// ID declares a single entity identifier.
func ID(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindID} }

// IDs declares a list of entity identifiers. Duplicates are collapsed.
func IDs(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindIDs} }

// Bool declares a checkbox-like flag.
func Bool(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindBool} }

// Rows declares a list of row objects validated column by column.
func Rows(name string, columns ...FieldSpec) FieldSpec {
	return FieldSpec{Name: name, Kind: KindRows, Columns: columns}
}

// Object declares a free-form nested object.
func Object(name string) FieldSpec { return FieldSpec{Name: name, Kind: KindObject} }

// WithLabel sets the name used in messages.
func (f FieldSpec) WithLabel(label string) FieldSpec {
	f.Label = label
	return f
}

// Require makes the field mandatory.
func (f FieldSpec) Require() FieldSpec {
	f.Required = true
	return f
}

// NonEmpty rejects blank strings and empty lists.
func (f FieldSpec) NonEmpty() FieldSpec {
	f.NotEmpty = true
	return f
}

// WithDefault supplies a value when the field is absent.
func (f FieldSpec) WithDefault(v any) FieldSpec {
	f.HasDefault = true
	f.Default = v
	return f
}

// In restricts the value to a fixed set.
func (f FieldSpec) In(values ...string) FieldSpec {
	f.OneOf = slices.Clone(values)
	return f
}

// Rule adds a validator tag such as "max=255" or "usermacro".
func (f FieldSpec) Rule(tag string) FieldSpec {
	if f.Tag != "" {
		f.Tag += ","
	}
	f.Tag += tag
	return f
}

// MustMatch requires the value to equal another field's value.
func (f FieldSpec) MustMatch(other string) FieldSpec {
	f.Matches = other
	return f
}

// Exists requires every id of the field to reference a record of kind.
func (f FieldSpec) Exists(kind string) FieldSpec {
	f.ExistsKind = kind
	return f
}

// AsFatal marks failures of the field as fatal: they indicate a forged or
// malformed request rather than a user mistake.
func (f FieldSpec) AsFatal() FieldSpec {
	f.Fatal = true
	return f
}

// Sanitized applies a markup policy to string values.
func (f FieldSpec) Sanitized(mode SanitizeMode) FieldSpec {
	f.Sanitize = mode
	return f
}

// DropEmpty removes rows whose given keys are all blank. With no keys every
// key of the row is considered.
func (f FieldSpec) DropEmpty(keys ...string) FieldSpec {
	f.dropEmpty = true
	f.DropEmptyBy = slices.Clone(keys)
	return f
}

func (f FieldSpec) label() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}
