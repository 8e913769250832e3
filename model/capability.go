package model

import (
	"context"
	"strings"
)

// CapabilitySet holds the console capabilities granted to a principal.
// Capabilities are colon separated paths such as "items:delete". A grant
// ending in ":*" covers everything below its prefix and "*" covers
// everything.
type CapabilitySet map[string]bool

// Has reports whether cap is granted exactly or through a wildcard on one
// of its ancestors.
func (cs CapabilitySet) Has(cap string) bool {
	if len(cs) == 0 {
		return false
	}
	if cs[cap] || cs["*"] {
		return true
	}
	for i := strings.LastIndexByte(cap, ':'); i > 0; i = strings.LastIndexByte(cap[:i], ':') {
		if cs[cap[:i]+":*"] {
			return true
		}
	}
	return false
}

// HasAll reports whether every cap is granted. No caps is always granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	return len(cs.Missing(caps...)) == 0
}

// Missing returns the caps that are not granted, in order.
func (cs CapabilitySet) Missing(caps ...string) []string {
	var out []string
	for _, c := range caps {
		if !cs.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// CapabilityResolver computes the capability set of a principal.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator maps user types and roles onto capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync reloads the policy from its source.
	Sync() error
}

type capabilitiesKey struct{}

// WithCapabilities attaches the resolved set to ctx.
func WithCapabilities(ctx context.Context, caps CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// CapabilitiesFrom returns the set on ctx. A missing set is nil and grants
// nothing.
func CapabilitiesFrom(ctx context.Context) CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(CapabilitySet)
	return caps
}
