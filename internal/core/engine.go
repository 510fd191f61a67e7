package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"RangeLedger/internal/audit"
	"RangeLedger/internal/auth"
	"RangeLedger/internal/market"
	"RangeLedger/internal/observability"
	"RangeLedger/internal/pkg/apperrors"
	"RangeLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-writer processor for all position mutations. Every
// mutating operation runs to completion — including its venue calls — before
// any other operation observes state. Distinct callers serialize on the
// mutex; while a venue call is in flight, any mutating attempt (a reentrant
// callback from the adapter, or a concurrent caller hitting the suspension
// window) is rejected with ReentrantCall rather than allowed to interleave.
type Engine struct {
	mu         sync.Mutex
	inExternal atomic.Bool

	ledger  *state.Ledger
	limiter *state.RateLimiter
	params  *state.ParamsManager
	gate    *auth.Gate
	adapter market.Adapter
	clock   Clock

	tickSpacing int32
	sequence    int64

	// Audit fan-out mirrors the persistence/publish split: persist blocks
	// (backpressure, no record lost), publish drops when full.
	persistChan chan<- audit.Record
	publishChan chan<- audit.Record

	metrics *observability.Metrics
	log     zerolog.Logger
}

// Options configures a new Engine. Adapter and Gate are required; nil
// channels and metrics disable the corresponding side effects.
type Options struct {
	Adapter     market.Adapter
	Gate        *auth.Gate
	Params      state.Params
	TickSpacing int32
	Clock       Clock
	PersistChan chan<- audit.Record
	PublishChan chan<- audit.Record
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	pm, err := state.NewParamsManager(opts.Params)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = WallClock()
	}
	spacing := opts.TickSpacing
	if spacing == 0 {
		spacing = 60
	}
	return &Engine{
		ledger:      state.NewLedger(),
		limiter:     state.NewRateLimiter(),
		params:      pm,
		gate:        opts.Gate,
		adapter:     opts.Adapter,
		clock:       clock,
		tickSpacing: spacing,
		sequence:    1,
		persistChan: opts.PersistChan,
		publishChan: opts.PublishChan,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}, nil
}

// enter guards a mutating operation. The pre-lock check is what rejects
// reentrancy: a callback from inside an adapter call arrives while
// inExternal is set and must not be queued behind the held mutex.
func (e *Engine) enter() error {
	if e.inExternal.Load() {
		return apperrors.New(apperrors.KindReentrantCall, "mutating call while a venue interaction is in flight")
	}
	e.mu.Lock()
	return nil
}

func (e *Engine) exit() {
	e.mu.Unlock()
}

// --- Venue boundary ---

func (e *Engine) callCreate(ctx context.Context, amountA, amountB int64, lower, upper int32, minA, minB int64) (uuid.UUID, int64, error) {
	e.inExternal.Store(true)
	defer e.inExternal.Store(false)
	e.countAdapter("create_position")
	ref, liq, err := e.adapter.CreatePosition(ctx, amountA, amountB, lower, upper, minA, minB)
	if err != nil {
		e.countAdapterFailure("create_position")
	}
	return ref, liq, err
}

func (e *Engine) callCollect(ctx context.Context, ref uuid.UUID) (int64, int64, error) {
	e.inExternal.Store(true)
	defer e.inExternal.Store(false)
	e.countAdapter("collect_fees")
	feeA, feeB, err := e.adapter.CollectFees(ctx, ref)
	if err != nil {
		e.countAdapterFailure("collect_fees")
	}
	return feeA, feeB, err
}

func (e *Engine) callRemove(ctx context.Context, ref uuid.UUID, liquidity, minA, minB int64) (int64, int64, error) {
	e.inExternal.Store(true)
	defer e.inExternal.Store(false)
	e.countAdapter("remove_liquidity")
	outA, outB, err := e.adapter.RemoveLiquidity(ctx, ref, liquidity, minA, minB)
	if err != nil {
		e.countAdapterFailure("remove_liquidity")
	}
	return outA, outB, err
}

func (e *Engine) callDestroy(ctx context.Context, ref uuid.UUID) error {
	e.inExternal.Store(true)
	defer e.inExternal.Store(false)
	e.countAdapter("destroy")
	err := e.adapter.Destroy(ctx, ref)
	if err != nil {
		e.countAdapterFailure("destroy")
	}
	return err
}

// translateAdapterErr maps venue sentinels onto ledger error kinds; anything
// unrecognized surfaces as an opaque external failure.
func translateAdapterErr(op string, err error) error {
	switch {
	case errors.Is(err, market.ErrZeroLiquidity), errors.Is(err, market.ErrInsufficientLiquidity):
		return apperrors.Wrap(apperrors.KindInsufficientLiquidity, op, err)
	default:
		return apperrors.Wrap(apperrors.KindExternalAdapterFailure, op, err)
	}
}

// --- Mutating operations ---

// Open creates a position for owner. The whole operation fails with no
// partial state if any check or the venue step fails.
func (e *Engine) Open(ctx context.Context, owner uuid.UUID, amountA, amountB int64, rangeLower, rangeUpper int32, minA, minB int64) (state.PositionID, error) {
	if err := e.enter(); err != nil {
		e.countRejected("open", err)
		return 0, err
	}
	defer e.exit()
	start := e.clock.Now()

	if err := e.gate.RequireNotGloballyPaused(); err != nil {
		e.countRejected("open", err)
		return 0, err
	}
	if amountA < 0 || amountB < 0 {
		err := apperrors.Newf(apperrors.KindInvalidAmount, "negative amounts a=%d b=%d", amountA, amountB)
		e.countRejected("open", err)
		return 0, err
	}
	if total := amountA + amountB; total < e.params.Get().MinDepositAmount {
		err := apperrors.Newf(apperrors.KindInvalidAmount,
			"deposit %d below minimum %d", total, e.params.Get().MinDepositAmount)
		e.countRejected("open", err)
		return 0, err
	}
	if err := state.ValidateRange(rangeLower, rangeUpper, e.tickSpacing); err != nil {
		e.countRejected("open", err)
		return 0, err
	}

	ref, liquidity, err := e.callCreate(ctx, amountA, amountB, rangeLower, rangeUpper, minA, minB)
	if err != nil {
		err = translateAdapterErr("open: create position", err)
		e.countRejected("open", err)
		return 0, err
	}
	if liquidity == 0 {
		err := apperrors.New(apperrors.KindInsufficientLiquidity, "venue returned zero liquidity")
		e.countRejected("open", err)
		return 0, err
	}

	pos := &state.Position{
		Owner:          owner,
		ExternalRef:    ref,
		RangeLower:     rangeLower,
		RangeUpper:     rangeUpper,
		LiquidityUnits: liquidity,
		AmountA:        amountA,
		AmountB:        amountB,
		CreatedAt:      start,
	}
	id, err := e.ledger.Insert(pos)
	if err != nil {
		// Id collision would mean the monotonic counter broke; nothing was
		// committed, but the venue position is now orphaned.
		e.log.Error().Err(err).Msg("ledger insert failed after venue create")
		return 0, apperrors.Wrap(apperrors.KindInternal, "ledger insert", err)
	}

	e.emit(audit.Record{
		Action:        audit.ActionOpen,
		PositionID:    id,
		Owner:         owner,
		Actor:         owner,
		NewRangeLower: rangeLower,
		NewRangeUpper: rangeUpper,
		AmountA:       amountA,
		AmountB:       amountB,
		Timestamp:     start,
	})
	e.countApplied("open", start)
	e.log.Info().Uint64("position_id", uint64(id)).Str("owner", owner.String()).
		Int64("liquidity", liquidity).Msg("position opened")
	return id, nil
}

// CloseResult reports the funds returned by a close.
type CloseResult struct {
	AmountA        int64
	AmountB        int64
	FeesCollectedA int64
	FeesCollectedB int64
}

// Close withdraws everything and destroys the position. Not permitted while
// the global breaker is tripped.
func (e *Engine) Close(ctx context.Context, id state.PositionID, caller uuid.UUID, minA, minB int64) (CloseResult, error) {
	if err := e.enter(); err != nil {
		e.countRejected("close", err)
		return CloseResult{}, err
	}
	defer e.exit()

	if err := e.gate.RequireNotGloballyPaused(); err != nil {
		e.countRejected("close", err)
		return CloseResult{}, err
	}
	return e.closeLocked(ctx, id, caller, minA, minB, false)
}

// EmergencyClose is the user self-rescue path: always permitted, even under
// the global breaker, with zero slippage protection and best-effort fee
// collection.
func (e *Engine) EmergencyClose(ctx context.Context, id state.PositionID, caller uuid.UUID) (CloseResult, error) {
	if err := e.enter(); err != nil {
		e.countRejected("emergency_close", err)
		return CloseResult{}, err
	}
	defer e.exit()
	return e.closeLocked(ctx, id, caller, 0, 0, true)
}

func (e *Engine) closeLocked(ctx context.Context, id state.PositionID, caller uuid.UUID, minA, minB int64, emergency bool) (CloseResult, error) {
	action := "close"
	auditAction := audit.ActionClose
	if emergency {
		action = "emergency_close"
		auditAction = audit.ActionEmergencyClose
	}
	start := e.clock.Now()

	pos := e.ledger.Get(id)
	if pos == nil {
		err := apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
		e.countRejected(action, err)
		return CloseResult{}, err
	}
	if err := e.gate.RequireOwner(caller, pos.Owner); err != nil {
		e.countRejected(action, err)
		return CloseResult{}, err
	}

	var result CloseResult
	if pos.InEscrow() {
		// The venue handle was already unwound by the failed rebalance; the
		// escrowed raw amounts are all there is to return.
		result = CloseResult{AmountA: pos.EscrowedA, AmountB: pos.EscrowedB}
		if e.metrics != nil {
			e.metrics.EscrowedPositions.Dec()
		}
	} else {
		feeA, feeB, err := e.callCollect(ctx, pos.ExternalRef)
		if err != nil {
			if !emergency {
				err = translateAdapterErr("close: collect fees", err)
				e.countRejected(action, err)
				return CloseResult{}, err
			}
			// Best-effort: forfeit fees rather than trap the principal.
			e.log.Warn().Err(err).Uint64("position_id", uint64(id)).Msg("emergency close: fee collection failed")
			feeA, feeB = 0, 0
		}

		outA, outB, err := e.callRemove(ctx, pos.ExternalRef, pos.LiquidityUnits, minA, minB)
		if err != nil {
			err = translateAdapterErr("close: remove liquidity", err)
			e.countRejected(action, err)
			return CloseResult{}, err
		}

		if err := e.callDestroy(ctx, pos.ExternalRef); err != nil {
			if !emergency {
				err = translateAdapterErr("close: destroy", err)
				e.countRejected(action, err)
				return CloseResult{}, err
			}
			e.log.Warn().Err(err).Uint64("position_id", uint64(id)).Msg("emergency close: venue destroy failed")
		}
		result = CloseResult{AmountA: outA, AmountB: outB, FeesCollectedA: feeA, FeesCollectedB: feeB}
	}

	// Ledger and index mutate together; no caller can observe the position
	// present in one and absent from the other.
	if err := e.ledger.Remove(id); err != nil {
		e.log.Error().Err(err).Uint64("position_id", uint64(id)).Msg("ledger remove failed")
		return CloseResult{}, apperrors.Wrap(apperrors.KindInternal, "ledger remove", err)
	}
	e.limiter.Forget(id)

	e.emit(audit.Record{
		Action:         auditAction,
		PositionID:     id,
		Owner:          pos.Owner,
		Actor:          caller,
		OldRangeLower:  pos.RangeLower,
		OldRangeUpper:  pos.RangeUpper,
		AmountA:        result.AmountA,
		AmountB:        result.AmountB,
		FeesCollectedA: result.FeesCollectedA,
		FeesCollectedB: result.FeesCollectedB,
		Timestamp:      start,
	})
	e.countApplied(action, start)
	e.log.Info().Uint64("position_id", uint64(id)).Bool("emergency", emergency).Msg("position closed")
	return result, nil
}

// SetProtected toggles the automated-rebalance opt-in. Owner only, no rate
// limiting.
func (e *Engine) SetProtected(ctx context.Context, id state.PositionID, caller uuid.UUID, value bool) error {
	return e.setFlag(id, caller, "set_protected", func(pos *state.Position) {
		pos.IsProtected = value
	})
}

// SetPaused toggles the per-position manual override. Owner only, no rate
// limiting.
func (e *Engine) SetPaused(ctx context.Context, id state.PositionID, caller uuid.UUID, value bool) error {
	return e.setFlag(id, caller, "set_paused", func(pos *state.Position) {
		pos.IsPaused = value
	})
}

func (e *Engine) setFlag(id state.PositionID, caller uuid.UUID, action string, apply func(*state.Position)) error {
	if err := e.enter(); err != nil {
		e.countRejected(action, err)
		return err
	}
	defer e.exit()

	pos := e.ledger.Get(id)
	if pos == nil {
		err := apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
		e.countRejected(action, err)
		return err
	}
	if err := e.gate.RequireOwner(caller, pos.Owner); err != nil {
		e.countRejected(action, err)
		return err
	}
	if err := e.gate.RequireNotGloballyPaused(); err != nil {
		e.countRejected(action, err)
		return err
	}
	apply(pos)
	pos.Version++
	return nil
}

// Rebalance is the privileged, rate-limited action. Check order is fixed and
// load-bearing — it determines which error an illegal call reports:
// existence, role, per-position pause, global pause, cooldown, daily cap,
// protection, range validity.
func (e *Engine) Rebalance(ctx context.Context, id state.PositionID, caller uuid.UUID, newLower, newUpper int32, reasonTag string, minA, minB int64) (feesA, feesB int64, err error) {
	if err := e.enter(); err != nil {
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	defer e.exit()
	start := e.clock.Now()

	pos := e.ledger.Get(id)
	if pos == nil {
		err := apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if err := e.gate.RequireRole(caller, auth.RoleAgent); err != nil {
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if pos.IsPaused {
		err := apperrors.Newf(apperrors.KindPositionPaused, "position %d is paused", id)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if err := e.gate.RequireNotGloballyPaused(); err != nil {
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if !state.CooldownElapsed(pos.LastRebalanceAt, start, e.params.Cooldown()) {
		err := apperrors.Newf(apperrors.KindCooldownActive,
			"cooldown active: last rebalance at %s", pos.LastRebalanceAt.Format(time.RFC3339))
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if !e.limiter.UnderDailyCap(id, start, e.params.Get().MaxActionsPerDay) {
		err := apperrors.Newf(apperrors.KindDailyCapReached,
			"daily cap %d reached for position %d", e.params.Get().MaxActionsPerDay, id)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if !pos.IsProtected {
		err := apperrors.Newf(apperrors.KindNotProtected, "position %d has not opted into protection", id)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}
	if err := state.ValidateRange(newLower, newUpper, e.tickSpacing); err != nil {
		e.countRejected("rebalance", err)
		return 0, 0, err
	}

	// Agents may pass zero mins; floor withdrawal outputs from the recorded
	// principal and the configured tolerance instead of going unprotected.
	if minA == 0 && minB == 0 {
		bps := e.params.Get().SlippageToleranceBps
		minA = pos.AmountA * (10000 - bps) / 10000
		minB = pos.AmountB * (10000 - bps) / 10000
	}

	feesA, feesB, cerr := e.callCollect(ctx, pos.ExternalRef)
	if cerr != nil {
		err := translateAdapterErr("rebalance: collect fees", cerr)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}

	outA, outB, rerr := e.callRemove(ctx, pos.ExternalRef, pos.LiquidityUnits, minA, minB)
	if rerr != nil {
		// Nothing committed yet; the position still holds its liquidity.
		err := translateAdapterErr("rebalance: remove liquidity", rerr)
		e.countRejected("rebalance", err)
		return 0, 0, err
	}

	if derr := e.callDestroy(ctx, pos.ExternalRef); derr != nil {
		// The old handle is an empty shell at this point; a failed destroy
		// leaves venue residue but does not block the rebalance.
		e.log.Warn().Err(derr).Uint64("position_id", uint64(id)).Msg("destroy of drained venue handle failed")
	}

	oldLower, oldUpper := pos.RangeLower, pos.RangeUpper

	newRef, newLiq, nerr := e.callCreate(ctx, outA, outB, newLower, newUpper, 0, 0)
	if nerr != nil {
		return 0, 0, e.compensate(ctx, pos, outA, outB, nerr)
	}

	pos.ExternalRef = newRef
	pos.RangeLower = newLower
	pos.RangeUpper = newUpper
	pos.LiquidityUnits = newLiq
	pos.AmountA = outA
	pos.AmountB = outB
	pos.LastRebalanceAt = start
	pos.Version++
	e.limiter.Record(id, start)

	e.emit(audit.Record{
		Action:         audit.ActionRebalance,
		PositionID:     id,
		Owner:          pos.Owner,
		Actor:          caller,
		OldRangeLower:  oldLower,
		OldRangeUpper:  oldUpper,
		NewRangeLower:  newLower,
		NewRangeUpper:  newUpper,
		ReasonTag:      reasonTag,
		FeesCollectedA: feesA,
		FeesCollectedB: feesB,
		AmountA:        outA,
		AmountB:        outB,
		Timestamp:      start,
	})
	e.countApplied("rebalance", start)
	e.log.Info().Uint64("position_id", uint64(id)).
		Int32("old_lower", oldLower).Int32("old_upper", oldUpper).
		Int32("new_lower", newLower).Int32("new_upper", newUpper).
		Str("reason", reasonTag).Msg("position rebalanced")
	return feesA, feesB, nil
}

// compensate handles the re-deposit failure after liquidity was already
// removed: re-deposit into the old range with zero slippage mins; if that
// also fails, park the raw amounts in escrow and pause the position pending
// manual resolution. Either way the rebalance itself reports failure and
// range/lastRebalanceAt/action count stay untouched.
func (e *Engine) compensate(ctx context.Context, pos *state.Position, outA, outB int64, cause error) error {
	compRef, compLiq, err := e.callCreate(ctx, outA, outB, pos.RangeLower, pos.RangeUpper, 0, 0)
	if err == nil && compLiq > 0 {
		pos.ExternalRef = compRef
		pos.LiquidityUnits = compLiq
		pos.AmountA = outA
		pos.AmountB = outB
		pos.Version++
		e.log.Warn().Uint64("position_id", uint64(pos.ID)).
			Msg("re-deposit failed; capital returned to old range")
		ferr := apperrors.Wrap(apperrors.KindExternalAdapterFailure,
			"rebalance: re-deposit failed, position restored to prior range", cause)
		e.countRejected("rebalance", ferr)
		return ferr
	}

	pos.EscrowedA = outA
	pos.EscrowedB = outB
	pos.LiquidityUnits = 0
	pos.AmountA = 0
	pos.AmountB = 0
	pos.IsPaused = true
	pos.Version++
	if e.metrics != nil {
		e.metrics.EscrowedPositions.Inc()
	}
	e.log.Error().Uint64("position_id", uint64(pos.ID)).
		Int64("escrowed_a", outA).Int64("escrowed_b", outB).
		Msg("re-deposit and compensation both failed; position escrowed")
	ferr := apperrors.Wrap(apperrors.KindExternalAdapterFailure,
		"rebalance: re-deposit and compensation failed, funds escrowed", cause)
	e.countRejected("rebalance", ferr)
	return ferr
}

// --- Administration ---

// SetSlippageToleranceBps updates the slippage bound. Admin only.
func (e *Engine) SetSlippageToleranceBps(caller uuid.UUID, v int64) error {
	return e.adminSet(caller, func() error { return e.params.SetSlippageToleranceBps(v) })
}

// SetCooldownSeconds updates the cooldown. Admin only.
func (e *Engine) SetCooldownSeconds(caller uuid.UUID, v int64) error {
	return e.adminSet(caller, func() error { return e.params.SetCooldownSeconds(v) })
}

// SetMaxActionsPerDay updates the daily cap. Admin only.
func (e *Engine) SetMaxActionsPerDay(caller uuid.UUID, v int) error {
	return e.adminSet(caller, func() error { return e.params.SetMaxActionsPerDay(v) })
}

// SetMinDepositAmount updates the minimum deposit. Admin only.
func (e *Engine) SetMinDepositAmount(caller uuid.UUID, v int64) error {
	return e.adminSet(caller, func() error { return e.params.SetMinDepositAmount(v) })
}

func (e *Engine) adminSet(caller uuid.UUID, apply func() error) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, auth.RoleAdmin); err != nil {
		return err
	}
	return apply()
}

// Params returns the current runtime parameter set.
func (e *Engine) Params() state.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Get()
}

// TripBreaker halts all mutating operations except emergency close.
// Guardian role.
func (e *Engine) TripBreaker(caller uuid.UUID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.TripBreaker(caller); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BreakerTripped.Set(1)
	}
	e.log.Warn().Str("caller", caller.String()).Msg("global circuit breaker tripped")
	return nil
}

// ReleaseBreaker resumes normal operation. Admin role only.
func (e *Engine) ReleaseBreaker(caller uuid.UUID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.ReleaseBreaker(caller); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BreakerTripped.Set(0)
	}
	e.log.Info().Str("caller", caller.String()).Msg("global circuit breaker released")
	return nil
}

// GloballyPaused reports the breaker state.
func (e *Engine) GloballyPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.GloballyPaused()
}

// --- Read-only queries ---

// GetPosition returns a copy of the position record.
func (e *Engine) GetPosition(id state.PositionID) (state.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.ledger.Get(id)
	if pos == nil {
		return state.Position{}, apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
	}
	return *pos, nil
}

// ListPositions returns the owner's position ids. Order is not stable across
// removals (swap-remove index semantics).
func (e *Engine) ListPositions(owner uuid.UUID) []state.PositionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.ListByOwner(owner)
}

// ActionCountToday returns the position's privileged-action count in the
// current day bucket.
func (e *Engine) ActionCountToday(id state.PositionID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger.Get(id) == nil {
		return 0, apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
	}
	return e.limiter.Count(id, e.clock.Now()), nil
}

// Eligibility mirrors the rebalance predicates without mutating anything.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CanRebalance evaluates the gate and limiter predicates for a position.
func (e *Engine) CanRebalance(id state.PositionID) (Eligibility, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()

	pos := e.ledger.Get(id)
	if pos == nil {
		return Eligibility{}, apperrors.Newf(apperrors.KindNotFound, "position %d not found", id)
	}
	if pos.IsPaused {
		return Eligibility{Reason: string(apperrors.KindPositionPaused)}, nil
	}
	if e.gate.GloballyPaused() {
		return Eligibility{Reason: string(apperrors.KindGloballyPaused)}, nil
	}
	if !state.CooldownElapsed(pos.LastRebalanceAt, now, e.params.Cooldown()) {
		return Eligibility{Reason: string(apperrors.KindCooldownActive)}, nil
	}
	if !e.limiter.UnderDailyCap(id, now, e.params.Get().MaxActionsPerDay) {
		return Eligibility{Reason: string(apperrors.KindDailyCapReached)}, nil
	}
	if !pos.IsProtected {
		return Eligibility{Reason: string(apperrors.KindNotProtected)}, nil
	}
	return Eligibility{Eligible: true}, nil
}

// PositionCount returns the number of live positions.
func (e *Engine) PositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Count()
}

// Sequence returns the next audit sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// --- Audit emission and metrics ---

func (e *Engine) emit(rec audit.Record) {
	rec.Sequence = e.sequence
	e.sequence++
	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.OpenPositions.Set(float64(e.ledger.Count()))
	}

	// Persistence: blocking send — the engine stalls until the audit worker
	// drains, so no committed action goes unrecorded.
	if e.persistChan != nil {
		e.persistChan <- rec
	}

	// Publish: non-blocking, drop on full. Consumers can replay from the
	// audit table if they fall behind.
	if e.publishChan != nil {
		select {
		case e.publishChan <- rec:
		default:
			if e.metrics != nil {
				e.metrics.AuditPublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) countApplied(action string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ActionsApplied.WithLabelValues(action).Inc()
	e.metrics.ActionDuration.WithLabelValues(action).Observe(e.clock.Now().Sub(start).Seconds())
}

func (e *Engine) countRejected(action string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.ActionsRejected.WithLabelValues(action, string(apperrors.KindOf(err))).Inc()
}

func (e *Engine) countAdapter(method string) {
	if e.metrics != nil {
		e.metrics.AdapterCalls.WithLabelValues(method).Inc()
	}
}

func (e *Engine) countAdapterFailure(method string) {
	if e.metrics != nil {
		e.metrics.AdapterFailures.WithLabelValues(method).Inc()
	}
}
