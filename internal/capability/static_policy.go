package capability

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/watchtower/model"
)

// capabilityPattern accepts "*", "resource:*" and "resource:action".
var capabilityPattern = regexp.MustCompile(`^(\*|[a-z][a-z_]*:(\*|[a-z][a-z_:]*))$`)

var userTypes = []model.UserType{model.UserTypeUser, model.UserTypeAdmin, model.UserTypeSuperAdmin}

// policyFile is the on-disk shape:
//
//	user_types:
//	  user: [dashboards:view]
//	  admin: [items:*]
//	roles:
//	  auditor: [audit:view]
type policyFile struct {
	UserTypes map[string][]string `yaml:"user_types"`
	Roles     map[string][]string `yaml:"roles"`
}

// compiled holds the cumulative grant of each user type, so that a request
// only has to add its roles.
type compiled struct {
	byType map[model.UserType]model.CapabilitySet
	roles  map[string][]string
}

// StaticPolicyEvaluator grants capabilities from a YAML file. A user type
// holds its own capabilities and those of every lower type; roles add to
// that. The file can be reloaded at runtime with Sync.
type StaticPolicyEvaluator struct {
	path string

	mu     sync.RWMutex
	policy compiled
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns a fresh set the caller may keep.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	base := e.policy.byType[rctx.UserType]
	caps := make(model.CapabilitySet, len(base))
	for c := range base {
		caps[c] = true
	}
	for _, role := range rctx.Roles {
		for _, c := range e.policy.roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Evaluate reports whether the principal holds capability.
func (e *StaticPolicyEvaluator) Evaluate(rctx *model.RequestContext, capability string) (bool, error) {
	caps, err := e.ResolveCapabilities(rctx)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Sync reloads the policy file. A file that fails to parse or validate
// leaves the previous policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	c, err := compile(p)
	if err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = c
	e.mu.Unlock()
	return nil
}

func compile(p policyFile) (compiled, error) {
	for name := range p.UserTypes {
		if _, ok := userTypeNamed(name); !ok {
			return compiled{}, fmt.Errorf("unknown user type %q", name)
		}
	}
	for name, caps := range p.UserTypes {
		if err := checkCapabilities("user type "+name, caps); err != nil {
			return compiled{}, err
		}
	}
	for name, caps := range p.Roles {
		if name == "" {
			return compiled{}, fmt.Errorf("role with an empty name")
		}
		if err := checkCapabilities("role "+name, caps); err != nil {
			return compiled{}, err
		}
	}

	c := compiled{byType: make(map[model.UserType]model.CapabilitySet, len(userTypes)), roles: p.Roles}
	acc := make(model.CapabilitySet)
	for _, t := range userTypes {
		for _, cap := range p.UserTypes[t.String()] {
			acc[cap] = true
		}
		set := make(model.CapabilitySet, len(acc))
		for cap := range acc {
			set[cap] = true
		}
		c.byType[t] = set
	}
	return c, nil
}

func checkCapabilities(owner string, caps []string) error {
	for _, cap := range caps {
		if !capabilityPattern.MatchString(cap) {
			return fmt.Errorf("%s: malformed capability %q", owner, cap)
		}
	}
	return nil
}

func userTypeNamed(name string) (model.UserType, bool) {
	for _, t := range userTypes {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}
