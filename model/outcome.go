package model

// Severity classifies a failed validation.
type Severity int

const (
	// SeverityNone marks a valid outcome.
	SeverityNone Severity = iota
	// SeverityField is a recoverable user mistake: the form is shown again
	// with inline messages and the inputs preserved.
	SeverityField
	// SeverityFatal is a malformed or forged request: a generic error page
	// without field detail.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityField:
		return "field_error"
	case SeverityFatal:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// ValidationOutcome is the result of the VALIDATE phase: either Valid with
// typed inputs, or Invalid with a severity and ordered messages.
type ValidationOutcome struct {
	Valid    bool
	Inputs   Inputs
	Kind     Severity
	Messages []string
	Fields   []FieldError
}

// Valid returns a successful outcome.
func Valid(inputs Inputs) ValidationOutcome {
	if inputs == nil {
		inputs = Inputs{}
	}
	return ValidationOutcome{Valid: true, Inputs: inputs, Kind: SeverityNone}
}

// Invalid returns a failed outcome. Messages keep the order of fields.
func Invalid(kind Severity, fields []FieldError) ValidationOutcome {
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, f.Message)
	}
	return ValidationOutcome{
		Valid:    false,
		Kind:     kind,
		Messages: msgs,
		Fields:   fields,
	}
}

// AuthorizationDecision is the result of the AUTHORIZE phase. Entities
// fetched while checking rights are kept, keyed by entity kind, so the
// action does not fetch them again.
type AuthorizationDecision struct {
	Allowed  bool
	Entities map[string][]Record
	Data     map[string]any
}

// Allow returns a granting decision.
func Allow() AuthorizationDecision {
	return AuthorizationDecision{Allowed: true}
}

// Deny returns a refusing decision. It deliberately carries no reason.
func Deny() AuthorizationDecision {
	return AuthorizationDecision{Allowed: false}
}

// WithEntities returns a copy of the decision holding the given records
// under kind.
func (d AuthorizationDecision) WithEntities(kind string, recs []Record) AuthorizationDecision {
	out := d.clone()
	out.Entities[kind] = recs
	return out
}

// Merge combines two decisions: allowed only if both are, entities and data
// unioned.
func (d AuthorizationDecision) Merge(other AuthorizationDecision) AuthorizationDecision {
	out := d.clone()
	out.Allowed = d.Allowed && other.Allowed
	for k, v := range other.Entities {
		out.Entities[k] = v
	}
	for k, v := range other.Data {
		out.Data[k] = v
	}
	return out
}

// Entity returns the first carried record of kind with the given id.
func (d AuthorizationDecision) Entity(kind, id string) (Record, bool) {
	for _, r := range d.Entities[kind] {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

func (d AuthorizationDecision) clone() AuthorizationDecision {
	out := AuthorizationDecision{
		Allowed:  d.Allowed,
		Entities: make(map[string][]Record, len(d.Entities)),
		Data:     make(map[string]any, len(d.Data)),
	}
	for k, v := range d.Entities {
		out.Entities[k] = v
	}
	for k, v := range d.Data {
		out.Data[k] = v
	}
	return out
}
