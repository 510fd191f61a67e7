package market

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel failures the ledger translates into its own error kinds. Any other
// error from an Adapter is treated as an opaque external failure.
var (
	// ErrZeroLiquidity is returned when a deposit would mint no liquidity.
	ErrZeroLiquidity = errors.New("market: resulting liquidity is zero")

	// ErrInsufficientLiquidity is returned when a withdrawal requests more
	// liquidity than the venue records for the handle.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")

	// ErrSlippage is returned when a withdrawal output falls below the
	// caller's minimum.
	ErrSlippage = errors.New("market: output below minimum")

	// ErrUnknownRef is returned for handles the venue does not recognize.
	ErrUnknownRef = errors.New("market: unknown position ref")

	// ErrResidualValue is returned when destroying a handle that still holds
	// liquidity or uncollected fees.
	ErrResidualValue = errors.New("market: liquidity or fees remain")
)

// Adapter is the narrow capability interface through which the ledger talks
// to the external liquidity venue. Results are opaque to the ledger; the
// venue's own liquidity math is out of scope. Calls may block and are the
// ledger's only suspension points, so every method takes a context.
type Adapter interface {
	// CreatePosition commits amountA+amountB into [rangeLower, rangeUpper]
	// and returns the venue handle and minted liquidity. Fails with
	// ErrZeroLiquidity if the deposit would mint nothing.
	CreatePosition(ctx context.Context, amountA, amountB int64, rangeLower, rangeUpper int32, minA, minB int64) (ref uuid.UUID, liquidity int64, err error)

	// CollectFees sweeps accrued fees for the handle.
	CollectFees(ctx context.Context, ref uuid.UUID) (feeA, feeB int64, err error)

	// RemoveLiquidity withdraws liquidity units and returns the token
	// amounts released. Fails with ErrInsufficientLiquidity if the request
	// exceeds what is recorded for ref, or ErrSlippage below the mins.
	RemoveLiquidity(ctx context.Context, ref uuid.UUID, liquidity, minA, minB int64) (amountA, amountB int64, err error)

	// Destroy retires the handle. Fails with ErrResidualValue while
	// liquidity or uncollected fees remain.
	Destroy(ctx context.Context, ref uuid.UUID) error
}
