package auth

import (
	"github.com/google/uuid"
)

// Role names a permission set. Each privileged operation declares the single
// role it requires; there is no role inheritance.
type Role string

const (
	// RoleAgent may invoke the privileged rebalance entry point.
	RoleAgent Role = "rebalance_agent"
	// RoleGuardian may trip the global circuit breaker.
	RoleGuardian Role = "guardian"
	// RoleAdmin may configure runtime parameters and release the breaker.
	RoleAdmin Role = "admin"
)

// Registry maps identities to their granted roles.
type Registry struct {
	grants map[uuid.UUID]map[Role]struct{}
}

func NewRegistry() *Registry {
	return &Registry{grants: make(map[uuid.UUID]map[Role]struct{})}
}

func (r *Registry) Grant(id uuid.UUID, roles ...Role) {
	set, ok := r.grants[id]
	if !ok {
		set = make(map[Role]struct{})
		r.grants[id] = set
	}
	for _, role := range roles {
		set[role] = struct{}{}
	}
}

func (r *Registry) Revoke(id uuid.UUID, role Role) {
	if set, ok := r.grants[id]; ok {
		delete(set, role)
	}
}

func (r *Registry) HasRole(id uuid.UUID, role Role) bool {
	_, ok := r.grants[id][role]
	return ok
}
