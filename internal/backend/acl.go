package backend

import (
	"sync"

	"github.com/pitabwire/watchtower/model"
)

// Right is the access level a subject holds on one entity.
type Right int

const (
	RightNone Right = iota
	RightRead
	RightWrite
)

// ParseRight converts "read" or "write" into a Right.
func ParseRight(s string) Right {
	switch s {
	case "read":
		return RightRead
	case "write":
		return RightWrite
	default:
		return RightNone
	}
}

// ACL holds per-subject entity rights for the memory backend. Super admins
// hold every right.
type ACL struct {
	mu     sync.RWMutex
	grants map[string]map[string]Right
}

// NewACL creates an empty ACL.
func NewACL() *ACL {
	return &ACL{grants: make(map[string]map[string]Right)}
}

func aclKey(kind, id string) string { return kind + ":" + id }

// Grant gives subject right r on the entity.
func (a *ACL) Grant(subject, kind, id string, r Right) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grants[subject] == nil {
		a.grants[subject] = make(map[string]Right)
	}
	a.grants[subject][aclKey(kind, id)] = r
}

// Revoke removes any right subject holds on the entity.
func (a *ACL) Revoke(subject, kind, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[subject], aclKey(kind, id))
}

// Allows reports whether the principal holds at least need on the entity.
func (a *ACL) Allows(rctx *model.RequestContext, kind, id string, need Right) bool {
	if rctx == nil {
		return false
	}
	if rctx.UserType >= model.UserTypeSuperAdmin {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[rctx.SubjectID][aclKey(kind, id)] >= need
}

// forget drops every grant on the entity.
func (a *ACL) forget(kind, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := aclKey(kind, id)
	for _, g := range a.grants {
		delete(g, key)
	}
}
