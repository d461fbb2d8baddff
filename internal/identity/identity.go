// Package identity is the boundary to the external identity/role
// provider. The pipeline only needs role lookups; anything richer lives
// outside this module.
package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/cmdgate/internal/risk"
)

// Role names a capability grant. ApproveCategories lists the risk
// categories whose approval requests holders of this role may decide.
type Role struct {
	Name              string          `yaml:"name"`
	ApproveCategories []risk.Category `yaml:"approve_categories,omitempty"`
}

// CanApprove reports whether the role may decide requests of the given
// category.
func (r Role) CanApprove(cat risk.Category) bool {
	for _, c := range r.ApproveCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// Provider resolves a user id to role memberships. Implementations are
// external; Registry below is the static built-in.
type Provider interface {
	RolesFor(userID string) ([]Role, error)
}

// Registry is a YAML-loaded static Provider mapping users to roles.
type Registry struct {
	roles map[string]Role
	users map[string][]string
}

// registryFile is the YAML schema root.
type registryFile struct {
	Roles []Role              `yaml:"roles"`
	Users map[string][]string `yaml:"users"`
}

// NewRegistry builds a Registry from role definitions and a user→role
// name mapping. Unknown role names in the user map are dropped.
func NewRegistry(roles []Role, users map[string][]string) *Registry {
	r := &Registry{roles: make(map[string]Role), users: users}
	for _, role := range roles {
		r.roles[role.Name] = role
	}
	if r.users == nil {
		r.users = make(map[string][]string)
	}
	return r
}

// LoadRegistry reads a registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read registry: %w", err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("identity: parse registry: %w", err)
	}
	return NewRegistry(rf.Roles, rf.Users), nil
}

// RolesFor implements Provider. Unknown users have no roles, which is
// not an error: they simply cannot match role-scoped rules or approve
// anything.
func (r *Registry) RolesFor(userID string) ([]Role, error) {
	var out []Role
	for _, name := range r.users[userID] {
		if role, ok := r.roles[name]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

// RoleNames is a convenience returning just the role name strings,
// the shape the rule engine consumes.
func RoleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Name
	}
	return out
}
