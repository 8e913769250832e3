package capability

import (
	"context"
	"fmt"

	"github.com/pitabwire/watchtower/model"
)

// Policy decides whether the principal in ctx may perform an action on the
// validated inputs. Policies only read through reader. Entities fetched while
// checking rights are returned in the decision.
type Policy func(ctx context.Context, in model.Inputs, reader model.BackendReader) (model.AuthorizationDecision, error)

// MinUserType allows principals whose user type is at least min.
func MinUserType(min model.UserType) Policy {
	return func(ctx context.Context, _ model.Inputs, _ model.BackendReader) (model.AuthorizationDecision, error) {
		if model.RequestContextFrom(ctx).AtLeast(min) {
			return model.Allow(), nil
		}
		return model.Deny(), nil
	}
}

// RequireCapabilities allows principals holding every listed capability.
func RequireCapabilities(caps ...string) Policy {
	return func(ctx context.Context, _ model.Inputs, _ model.BackendReader) (model.AuthorizationDecision, error) {
		if model.CapabilitiesFrom(ctx).HasAll(caps...) {
			return model.Allow(), nil
		}
		return model.Deny(), nil
	}
}

// Editable allows the action when the principal has write rights on every id
// in the field. The permission-scoped read must return exactly the requested
// set; any difference denies.
func Editable(kind, field string) Policy {
	return scoped(kind, field, model.Query{Editable: true})
}

// Accessible is Editable for read rights.
func Accessible(kind, field string) Policy {
	return scoped(kind, field, model.Query{Accessible: true})
}

func scoped(kind, field string, base model.Query) Policy {
	return func(ctx context.Context, in model.Inputs, reader model.BackendReader) (model.AuthorizationDecision, error) {
		ids := requestedIDs(in, field)
		if len(ids) == 0 {
			return model.Allow(), nil
		}
		q := base
		q.IDs = ids
		recs, err := reader.Get(ctx, kind, q)
		if err != nil {
			return model.Deny(), fmt.Errorf("authorizing %s %v: %w", kind, ids, err)
		}
		if !SameIDs(ids, recs) {
			return model.Deny(), nil
		}
		return model.Allow().WithEntities(kind, recs), nil
	}
}

// All combines policies. It stops at the first denial or error.
func All(policies ...Policy) Policy {
	return func(ctx context.Context, in model.Inputs, reader model.BackendReader) (model.AuthorizationDecision, error) {
		decision := model.Allow()
		for _, p := range policies {
			d, err := p(ctx, in, reader)
			if err != nil {
				return model.Deny(), err
			}
			decision = decision.Merge(d)
			if !decision.Allowed {
				return decision, nil
			}
		}
		return decision, nil
	}
}

// SameIDs reports whether recs carry exactly the requested ids.
func SameIDs(requested []string, recs []model.Record) bool {
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}
	got := make(map[string]bool, len(recs))
	for _, r := range recs {
		id := r.ID()
		if !want[id] {
			return false
		}
		got[id] = true
	}
	return len(got) == len(want)
}

func requestedIDs(in model.Inputs, field string) []string {
	switch v := in[field].(type) {
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
