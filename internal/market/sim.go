package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type holding struct {
	lower, upper int32
	liquidity    int64
	amountA      int64
	amountB      int64
	feesA        int64
	feesB        int64
}

// SimVenue is an in-memory stand-in for the external liquidity venue. It
// applies the additive placeholder rule (liquidity = amountA + amountB) and
// proportional withdrawal, which is enough to exercise every ledger path
// without real AMM math. Fault injection fields let tests fail individual
// capability calls.
type SimVenue struct {
	holdings map[uuid.UUID]*holding

	// Fault injection: when non-nil, the corresponding call fails once and
	// the field is cleared.
	FailCreate  error
	FailCollect error
	FailRemove  error
	FailDestroy error
}

func NewSimVenue() *SimVenue {
	return &SimVenue{holdings: make(map[uuid.UUID]*holding)}
}

func (v *SimVenue) CreatePosition(_ context.Context, amountA, amountB int64, rangeLower, rangeUpper int32, minA, minB int64) (uuid.UUID, int64, error) {
	if err := v.FailCreate; err != nil {
		v.FailCreate = nil
		return uuid.Nil, 0, err
	}
	if amountA < 0 || amountB < 0 {
		return uuid.Nil, 0, fmt.Errorf("market: negative amounts a=%d b=%d", amountA, amountB)
	}
	if rangeLower >= rangeUpper {
		return uuid.Nil, 0, fmt.Errorf("market: inverted range [%d, %d]", rangeLower, rangeUpper)
	}
	if amountA < minA || amountB < minB {
		return uuid.Nil, 0, ErrSlippage
	}

	liquidity := amountA + amountB
	if liquidity == 0 {
		return uuid.Nil, 0, ErrZeroLiquidity
	}

	ref := uuid.New()
	v.holdings[ref] = &holding{
		lower:     rangeLower,
		upper:     rangeUpper,
		liquidity: liquidity,
		amountA:   amountA,
		amountB:   amountB,
	}
	return ref, liquidity, nil
}

func (v *SimVenue) CollectFees(_ context.Context, ref uuid.UUID) (int64, int64, error) {
	if err := v.FailCollect; err != nil {
		v.FailCollect = nil
		return 0, 0, err
	}
	h, ok := v.holdings[ref]
	if !ok {
		return 0, 0, ErrUnknownRef
	}
	feeA, feeB := h.feesA, h.feesB
	h.feesA, h.feesB = 0, 0
	return feeA, feeB, nil
}

func (v *SimVenue) RemoveLiquidity(_ context.Context, ref uuid.UUID, liquidity, minA, minB int64) (int64, int64, error) {
	if err := v.FailRemove; err != nil {
		v.FailRemove = nil
		return 0, 0, err
	}
	h, ok := v.holdings[ref]
	if !ok {
		return 0, 0, ErrUnknownRef
	}
	if liquidity <= 0 || liquidity > h.liquidity {
		return 0, 0, ErrInsufficientLiquidity
	}

	outA := h.amountA * liquidity / h.liquidity
	outB := h.amountB * liquidity / h.liquidity
	if outA < minA || outB < minB {
		return 0, 0, ErrSlippage
	}

	h.amountA -= outA
	h.amountB -= outB
	h.liquidity -= liquidity
	return outA, outB, nil
}

func (v *SimVenue) Destroy(_ context.Context, ref uuid.UUID) error {
	if err := v.FailDestroy; err != nil {
		v.FailDestroy = nil
		return err
	}
	h, ok := v.holdings[ref]
	if !ok {
		return ErrUnknownRef
	}
	if h.liquidity != 0 || h.feesA != 0 || h.feesB != 0 {
		return ErrResidualValue
	}
	delete(v.holdings, ref)
	return nil
}

// AccrueFees credits pending fees to a handle. Test and demo hook; the real
// venue accrues fees from trading activity.
func (v *SimVenue) AccrueFees(ref uuid.UUID, feeA, feeB int64) error {
	h, ok := v.holdings[ref]
	if !ok {
		return ErrUnknownRef
	}
	h.feesA += feeA
	h.feesB += feeB
	return nil
}

// Holding reports the venue-recorded liquidity for a handle, for tests.
func (v *SimVenue) Holding(ref uuid.UUID) (liquidity, amountA, amountB int64, ok bool) {
	h, found := v.holdings[ref]
	if !found {
		return 0, 0, 0, false
	}
	return h.liquidity, h.amountA, h.amountB, true
}
