package state

import (
	"time"

	"RangeLedger/internal/pkg/apperrors"

	"github.com/google/uuid"
)

// PositionID is a monotonically assigned ledger identifier. IDs are never
// reused, even after the position is destroyed.
type PositionID uint64

// Position is one user deposit over a bounded tick range on the external
// venue. Owner is immutable after creation; all other mutable fields are
// written only by the single-writer engine.
type Position struct {
	ID          PositionID
	Owner       uuid.UUID
	ExternalRef uuid.UUID // opaque venue handle, replaced on rebalance

	RangeLower int32
	RangeUpper int32

	LiquidityUnits int64
	// Principal recorded at the last venue interaction. Used to derive
	// slippage floors when the agent passes zero mins.
	AmountA int64
	AmountB int64

	IsProtected bool
	IsPaused    bool

	CreatedAt       time.Time
	LastRebalanceAt time.Time // zero value means "never rebalanced"

	// Escrow holds raw token amounts when a rebalance removed liquidity but
	// neither the new-range deposit nor the old-range compensation could be
	// completed. Non-zero escrow implies IsPaused and zero LiquidityUnits,
	// pending manual resolution.
	EscrowedA int64
	EscrowedB int64

	Version int64
}

// NeverRebalanced reports whether the cooldown sentinel is still in place.
func (p *Position) NeverRebalanced() bool {
	return p.LastRebalanceAt.IsZero()
}

// InEscrow reports whether the position is parked after a failed re-deposit.
func (p *Position) InEscrow() bool {
	return p.EscrowedA != 0 || p.EscrowedB != 0
}

// ValidateRange checks ordering and alignment to the venue's tick granularity.
func ValidateRange(lower, upper, spacing int32) error {
	if spacing <= 0 {
		return apperrors.Newf(apperrors.KindInvalidRange, "tick spacing must be positive, got %d", spacing)
	}
	if lower >= upper {
		return apperrors.Newf(apperrors.KindInvalidRange, "range bounds inverted: [%d, %d]", lower, upper)
	}
	if lower%spacing != 0 || upper%spacing != 0 {
		return apperrors.Newf(apperrors.KindInvalidRange,
			"range [%d, %d] not aligned to tick spacing %d", lower, upper, spacing)
	}
	return nil
}
