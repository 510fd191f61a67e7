package auth

import (
	"RangeLedger/internal/pkg/apperrors"

	"github.com/google/uuid"
)

// Gate evaluates role membership, ownership, and the two pause levels before
// a mutating call reaches the ledger. Each failing predicate maps to its own
// error kind — the gate never collapses failures into a generic denial.
//
// The global circuit breaker is the only state the gate carries. Tripping it
// requires the guardian role; releasing it requires admin. The asymmetry is
// deliberate: wide authority to halt, narrow authority to resume.
type Gate struct {
	registry     *Registry
	globalPaused bool
}

func NewGate(registry *Registry) *Gate {
	return &Gate{registry: registry}
}

// RequireRole fails with NotAuthorizedRole unless caller holds role.
func (g *Gate) RequireRole(caller uuid.UUID, role Role) error {
	if !g.registry.HasRole(caller, role) {
		return apperrors.Newf(apperrors.KindNotAuthorizedRole,
			"caller %s lacks role %q", caller, role)
	}
	return nil
}

// RequireOwner fails with NotOwner unless caller is owner.
func (g *Gate) RequireOwner(caller, owner uuid.UUID) error {
	if caller != owner {
		return apperrors.Newf(apperrors.KindNotOwner, "caller %s is not the position owner", caller)
	}
	return nil
}

// RequireNotGloballyPaused fails with GloballyPaused while the breaker is tripped.
func (g *Gate) RequireNotGloballyPaused() error {
	if g.globalPaused {
		return apperrors.New(apperrors.KindGloballyPaused, "global circuit breaker is tripped")
	}
	return nil
}

// GloballyPaused reports the breaker state.
func (g *Gate) GloballyPaused() bool {
	return g.globalPaused
}

// TripBreaker halts all mutating operations except emergency withdrawal.
func (g *Gate) TripBreaker(caller uuid.UUID) error {
	if err := g.RequireRole(caller, RoleGuardian); err != nil {
		return err
	}
	g.globalPaused = true
	return nil
}

// ReleaseBreaker resumes normal operation. Admin only.
func (g *Gate) ReleaseBreaker(caller uuid.UUID) error {
	if err := g.RequireRole(caller, RoleAdmin); err != nil {
		return err
	}
	g.globalPaused = false
	return nil
}
