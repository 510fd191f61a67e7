package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RangeLedger/internal/audit"
	"RangeLedger/internal/auth"
	"RangeLedger/internal/core"
	"RangeLedger/internal/market"
	"RangeLedger/internal/pkg/apperrors"
	"RangeLedger/internal/state"
)

// ============================================================================
// Harness
// ============================================================================

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	engine  *core.Engine
	venue   *market.SimVenue
	clock   *fakeClock
	persist chan audit.Record

	owner    uuid.UUID
	other    uuid.UUID
	agent    uuid.UUID
	guardian uuid.UUID
	admin    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithAdapter(t, market.NewSimVenue())
}

func newFixtureWithAdapter(t *testing.T, adapter market.Adapter) *fixture {
	t.Helper()

	f := &fixture{
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()},
		persist:  make(chan audit.Record, 256),
		owner:    uuid.New(),
		other:    uuid.New(),
		agent:    uuid.New(),
		guardian: uuid.New(),
		admin:    uuid.New(),
	}
	if sim, ok := adapter.(*market.SimVenue); ok {
		f.venue = sim
	}

	registry := auth.NewRegistry()
	registry.Grant(f.agent, auth.RoleAgent)
	registry.Grant(f.guardian, auth.RoleGuardian)
	registry.Grant(f.admin, auth.RoleAdmin)

	engine, err := core.NewEngine(core.Options{
		Adapter:     adapter,
		Gate:        auth.NewGate(registry),
		Params:      state.DefaultParams(),
		TickSpacing: 60,
		Clock:       f.clock,
		PersistChan: f.persist,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) open(t *testing.T, amountA, amountB int64) state.PositionID {
	t.Helper()
	id, err := f.engine.Open(context.Background(), f.owner, amountA, amountB, -887220, 887220, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

func (f *fixture) protect(t *testing.T, id state.PositionID) {
	t.Helper()
	if err := f.engine.SetProtected(context.Background(), id, f.owner, true); err != nil {
		t.Fatalf("set protected: %v", err)
	}
}

func (f *fixture) drainAudit() []audit.Record {
	var out []audit.Record
	for {
		select {
		case rec := <-f.persist:
			out = append(out, rec)
		default:
			return out
		}
	}
}

func wantKind(t *testing.T, err error, kind apperrors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := apperrors.KindOf(err); got != kind {
		t.Fatalf("kind = %s, want %s (err: %v)", got, kind, err)
	}
}

// ============================================================================
// Open
// ============================================================================

func TestOpen_FirstPositionGetsIDOne(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.Open(context.Background(), f.owner, 100, 200, -887220, 887220, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	pos, err := f.engine.GetPosition(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pos.LiquidityUnits != 300 {
		t.Errorf("liquidity = %d, want 300", pos.LiquidityUnits)
	}
	if pos.AmountA != 100 || pos.AmountB != 200 {
		t.Errorf("amounts = (%d, %d), want (100, 200)", pos.AmountA, pos.AmountB)
	}
	if pos.Owner != f.owner {
		t.Error("owner not recorded")
	}
	if pos.IsProtected || pos.IsPaused {
		t.Error("fresh position should start unprotected and unpaused")
	}
	if !pos.NeverRebalanced() {
		t.Error("fresh position should carry the never-rebalanced sentinel")
	}
}

func TestOpen_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		amountA int64
		amountB int64
		lower   int32
		upper   int32
		kind    apperrors.Kind
	}{
		{"negative amount A", -1, 200, -60, 60, apperrors.KindInvalidAmount},
		{"negative amount B", 100, -5, -60, 60, apperrors.KindInvalidAmount},
		{"below min deposit", 40, 40, -60, 60, apperrors.KindInvalidAmount},
		{"inverted range", 100, 200, 60, -60, apperrors.KindInvalidRange},
		{"misaligned range", 100, 200, -61, 60, apperrors.KindInvalidRange},
		{"zero deposit", 0, 0, -60, 60, apperrors.KindInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Open(context.Background(), f.owner, tc.amountA, tc.amountB, tc.lower, tc.upper, 0, 0)
			wantKind(t, err, tc.kind)
			if n := f.engine.PositionCount(); n != 0 {
				t.Errorf("position count = %d after rejected open", n)
			}
		})
	}
}

func TestOpen_BlockedByGlobalPause(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.TripBreaker(f.guardian); err != nil {
		t.Fatalf("trip: %v", err)
	}

	_, err := f.engine.Open(context.Background(), f.owner, 100, 200, -60, 60, 0, 0)
	wantKind(t, err, apperrors.KindGloballyPaused)
}

func TestOpen_VenueFailureLeavesNoState(t *testing.T) {
	f := newFixture(t)
	f.venue.FailCreate = errors.New("venue down")

	_, err := f.engine.Open(context.Background(), f.owner, 100, 200, -60, 60, 0, 0)
	wantKind(t, err, apperrors.KindExternalAdapterFailure)

	if n := f.engine.PositionCount(); n != 0 {
		t.Fatalf("position count = %d, want 0", n)
	}
	if recs := f.drainAudit(); len(recs) != 0 {
		t.Errorf("audit records emitted for failed open: %d", len(recs))
	}

	// The failed attempt must not burn an id.
	id := f.open(t, 100, 200)
	if id != 1 {
		t.Errorf("id after failed open = %d, want 1", id)
	}
}

// ============================================================================
// Close
// ============================================================================

func TestClose_MiddlePositionSwapRemove(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.open(t, 100, 200)
	}

	result, err := f.engine.Close(context.Background(), 2, f.owner, 0, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.AmountA != 100 || result.AmountB != 200 {
		t.Errorf("returned = (%d, %d), want (100, 200)", result.AmountA, result.AmountB)
	}

	ids := f.engine.ListPositions(f.owner)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("remaining ids = %v, want [1 3]", ids)
	}
	if _, err := f.engine.GetPosition(2); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Error("closed position should be gone")
	}
}

func TestClose_CollectsFees(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	pos, _ := f.engine.GetPosition(id)
	if err := f.venue.AccrueFees(pos.ExternalRef, 9, 4); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	result, err := f.engine.Close(context.Background(), id, f.owner, 0, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.FeesCollectedA != 9 || result.FeesCollectedB != 4 {
		t.Errorf("fees = (%d, %d), want (9, 4)", result.FeesCollectedA, result.FeesCollectedB)
	}
}

func TestClose_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	_, err := f.engine.Close(context.Background(), 99, f.owner, 0, 0)
	wantKind(t, err, apperrors.KindNotFound)

	_, err = f.engine.Close(context.Background(), id, f.other, 0, 0)
	wantKind(t, err, apperrors.KindNotOwner)

	if err := f.engine.TripBreaker(f.guardian); err != nil {
		t.Fatalf("trip: %v", err)
	}
	_, err = f.engine.Close(context.Background(), id, f.owner, 0, 0)
	wantKind(t, err, apperrors.KindGloballyPaused)
}

func TestClose_RemoveFailureKeepsPosition(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.venue.FailRemove = errors.New("venue down")

	_, err := f.engine.Close(context.Background(), id, f.owner, 0, 0)
	wantKind(t, err, apperrors.KindExternalAdapterFailure)

	pos, err := f.engine.GetPosition(id)
	if err != nil {
		t.Fatalf("position should survive a failed close: %v", err)
	}
	if pos.LiquidityUnits != 300 {
		t.Errorf("liquidity = %d, want untouched 300", pos.LiquidityUnits)
	}
}

func TestEmergencyClose_WorksUnderBreaker(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	if err := f.engine.TripBreaker(f.guardian); err != nil {
		t.Fatalf("trip: %v", err)
	}

	result, err := f.engine.EmergencyClose(context.Background(), id, f.owner)
	if err != nil {
		t.Fatalf("emergency close under breaker: %v", err)
	}
	if result.AmountA != 100 || result.AmountB != 200 {
		t.Errorf("returned = (%d, %d), want (100, 200)", result.AmountA, result.AmountB)
	}
	if n := f.engine.PositionCount(); n != 0 {
		t.Errorf("position count = %d, want 0", n)
	}
}

func TestEmergencyClose_ForfeitsFeesOnCollectFailure(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	pos, _ := f.engine.GetPosition(id)
	f.venue.AccrueFees(pos.ExternalRef, 50, 50)
	f.venue.FailCollect = errors.New("venue down")

	result, err := f.engine.EmergencyClose(context.Background(), id, f.owner)
	if err != nil {
		t.Fatalf("emergency close: %v", err)
	}
	if result.FeesCollectedA != 0 || result.FeesCollectedB != 0 {
		t.Errorf("fees = (%d, %d), want forfeited zeros", result.FeesCollectedA, result.FeesCollectedB)
	}
	if result.AmountA != 100 || result.AmountB != 200 {
		t.Errorf("principal = (%d, %d), want (100, 200)", result.AmountA, result.AmountB)
	}
}

func TestEmergencyClose_StillRequiresOwner(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	_, err := f.engine.EmergencyClose(context.Background(), id, f.other)
	wantKind(t, err, apperrors.KindNotOwner)
}

// ============================================================================
// Flags
// ============================================================================

func TestSetProtectedAndPaused(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	if err := f.engine.SetProtected(context.Background(), id, f.owner, true); err != nil {
		t.Fatalf("set protected: %v", err)
	}
	if err := f.engine.SetPaused(context.Background(), id, f.owner, true); err != nil {
		t.Fatalf("set paused: %v", err)
	}

	pos, _ := f.engine.GetPosition(id)
	if !pos.IsProtected || !pos.IsPaused {
		t.Errorf("flags = (%v, %v), want both true", pos.IsProtected, pos.IsPaused)
	}

	err := f.engine.SetProtected(context.Background(), id, f.other, false)
	wantKind(t, err, apperrors.KindNotOwner)

	err = f.engine.SetPaused(context.Background(), 99, f.owner, true)
	wantKind(t, err, apperrors.KindNotFound)

	f.engine.TripBreaker(f.guardian)
	err = f.engine.SetPaused(context.Background(), id, f.owner, false)
	wantKind(t, err, apperrors.KindGloballyPaused)
}

// ============================================================================
// Rebalance
// ============================================================================

func TestRebalance_HappyPath(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)

	pos, _ := f.engine.GetPosition(id)
	oldRef := pos.ExternalRef
	f.venue.AccrueFees(oldRef, 7, 11)

	feesA, feesB, err := f.engine.Rebalance(context.Background(), id, f.agent, -120, 120, "drift", 0, 0)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if feesA != 7 || feesB != 11 {
		t.Errorf("fees = (%d, %d), want (7, 11)", feesA, feesB)
	}

	pos, _ = f.engine.GetPosition(id)
	if pos.RangeLower != -120 || pos.RangeUpper != 120 {
		t.Errorf("range = [%d, %d], want [-120, 120]", pos.RangeLower, pos.RangeUpper)
	}
	if pos.ExternalRef == oldRef {
		t.Error("venue handle should be replaced")
	}
	// Fees are paid out, not re-deposited: the new position holds only the
	// removed principal.
	if pos.AmountA != 100 || pos.AmountB != 200 {
		t.Errorf("principal = (%d, %d), want (100, 200)", pos.AmountA, pos.AmountB)
	}
	if pos.LiquidityUnits != 300 {
		t.Errorf("liquidity = %d, want 300", pos.LiquidityUnits)
	}
	if pos.NeverRebalanced() {
		t.Error("LastRebalanceAt should be set")
	}

	n, err := f.engine.ActionCountToday(id)
	if err != nil || n != 1 {
		t.Errorf("action count = %d (%v), want 1", n, err)
	}

	// The old handle must be gone from the venue.
	if _, _, _, ok := f.venue.Holding(oldRef); ok {
		t.Error("old venue handle not destroyed")
	}
}

// The rejection order is fixed: existence, role, per-position pause, global
// pause, cooldown, daily cap, protection, range validity. Each case sets up
// the named failure plus at least one later failure and expects the earlier
// kind.
func TestRebalance_CheckOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("existence before role", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.engine.Rebalance(ctx, 42, f.other, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindNotFound)
	})

	t.Run("role before pause", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.engine.SetPaused(ctx, id, f.owner, true)
		_, _, err := f.engine.Rebalance(ctx, id, f.other, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindNotAuthorizedRole)
	})

	t.Run("pause before global pause", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.engine.SetPaused(ctx, id, f.owner, true)
		f.engine.TripBreaker(f.guardian)
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindPositionPaused)
	})

	t.Run("global pause before cooldown", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.protect(t, id)
		if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
			t.Fatalf("priming rebalance: %v", err)
		}
		f.engine.TripBreaker(f.guardian)
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindGloballyPaused)
	})

	t.Run("cooldown before daily cap", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.protect(t, id)
		if err := f.engine.SetMaxActionsPerDay(f.admin, 1); err != nil {
			t.Fatalf("set cap: %v", err)
		}
		if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
			t.Fatalf("priming rebalance: %v", err)
		}
		// Cooldown still active and the cap of 1 is exhausted.
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindCooldownActive)
	})

	t.Run("daily cap before protection", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.protect(t, id)
		if err := f.engine.SetMaxActionsPerDay(f.admin, 1); err != nil {
			t.Fatalf("set cap: %v", err)
		}
		if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
			t.Fatalf("priming rebalance: %v", err)
		}
		f.clock.Advance(2 * time.Hour) // past cooldown, same day bucket
		f.engine.SetProtected(ctx, id, f.owner, false)
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, -60, 60, "", 0, 0)
		wantKind(t, err, apperrors.KindDailyCapReached)
	})

	t.Run("protection before range", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, 60, -60, "", 0, 0)
		wantKind(t, err, apperrors.KindNotProtected)
	})

	t.Run("range checked last", func(t *testing.T) {
		f := newFixture(t)
		id := f.open(t, 100, 200)
		f.protect(t, id)
		_, _, err := f.engine.Rebalance(ctx, id, f.agent, 60, -60, "", 0, 0)
		wantKind(t, err, apperrors.KindInvalidRange)
	})
}

func TestRebalance_CooldownAndDailyCap(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)
	ctx := context.Background()

	// Default params: cooldown 3600s, cap 4/day. Align the clock to the
	// start of a day bucket so the advances stay inside one bucket.
	bucketStart := (f.clock.now.Unix() / 86400) * 86400
	f.clock.now = time.Unix(bucketStart, 0).UTC()

	for i := 0; i < 4; i++ {
		if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
			t.Fatalf("rebalance %d: %v", i+1, err)
		}
		f.clock.Advance(time.Hour)
	}

	// Fifth attempt in the same bucket: past cooldown, over the cap.
	_, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0)
	wantKind(t, err, apperrors.KindDailyCapReached)

	elig, _ := f.engine.CanRebalance(id)
	if elig.Eligible || elig.Reason != string(apperrors.KindDailyCapReached) {
		t.Errorf("eligibility = %+v, want cap reason", elig)
	}

	// Next day bucket: allowed again.
	f.clock.now = time.Unix(bucketStart+86400, 0).UTC()
	if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
		t.Fatalf("rebalance in next bucket: %v", err)
	}
	if n, _ := f.engine.ActionCountToday(id); n != 1 {
		t.Errorf("count in new bucket = %d, want 1", n)
	}
}

func TestRebalance_CooldownWithinWindow(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)
	ctx := context.Background()

	if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
		t.Fatalf("first rebalance: %v", err)
	}

	f.clock.Advance(59 * time.Minute)
	_, _, err := f.engine.Rebalance(ctx, id, f.agent, -180, 180, "", 0, 0)
	wantKind(t, err, apperrors.KindCooldownActive)

	f.clock.Advance(time.Minute)
	if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -180, 180, "", 0, 0); err != nil {
		t.Fatalf("rebalance at exact cooldown: %v", err)
	}
}

func TestRebalance_ExplicitMinsSlippage(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)

	// minA above what removal can return: the venue reports slippage and
	// nothing changes.
	_, _, err := f.engine.Rebalance(context.Background(), id, f.agent, -120, 120, "", 150, 0)
	wantKind(t, err, apperrors.KindExternalAdapterFailure)

	pos, _ := f.engine.GetPosition(id)
	if pos.RangeLower != -887220 || pos.LiquidityUnits != 300 {
		t.Error("failed rebalance must leave the position untouched")
	}
	if !pos.NeverRebalanced() {
		t.Error("failed rebalance must not set LastRebalanceAt")
	}
	if n, _ := f.engine.ActionCountToday(id); n != 0 {
		t.Errorf("failed rebalance counted: %d", n)
	}
}

func TestRebalance_RedepositFailureCompensates(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)

	pos, _ := f.engine.GetPosition(id)
	oldRef := pos.ExternalRef

	// One-shot create failure hits the new-range deposit; the compensating
	// re-deposit into the old range succeeds.
	f.venue.FailCreate = errors.New("venue down")
	_, _, err := f.engine.Rebalance(context.Background(), id, f.agent, -120, 120, "", 0, 0)
	wantKind(t, err, apperrors.KindExternalAdapterFailure)

	pos, _ = f.engine.GetPosition(id)
	if pos.RangeLower != -887220 || pos.RangeUpper != 887220 {
		t.Errorf("range = [%d, %d], want the old range", pos.RangeLower, pos.RangeUpper)
	}
	if pos.ExternalRef == oldRef {
		t.Error("compensation must mint a fresh venue handle")
	}
	if pos.LiquidityUnits != 300 || pos.AmountA != 100 || pos.AmountB != 200 {
		t.Errorf("restored position = liq %d (%d, %d), want 300 (100, 200)",
			pos.LiquidityUnits, pos.AmountA, pos.AmountB)
	}
	if !pos.NeverRebalanced() {
		t.Error("failed rebalance must not set LastRebalanceAt")
	}
	if n, _ := f.engine.ActionCountToday(id); n != 0 {
		t.Errorf("failed rebalance counted: %d", n)
	}
	if pos.InEscrow() || pos.IsPaused {
		t.Error("successful compensation must not escrow or pause")
	}
}

// brokenCreateAdapter delegates to the sim but fails CreatePosition a set
// number of times, letting tests break both the re-deposit and the
// compensation in one rebalance.
type brokenCreateAdapter struct {
	*market.SimVenue
	failures int
}

func (a *brokenCreateAdapter) CreatePosition(ctx context.Context, amountA, amountB int64, lower, upper int32, minA, minB int64) (uuid.UUID, int64, error) {
	if a.failures > 0 {
		a.failures--
		return uuid.Nil, 0, errors.New("venue down")
	}
	return a.SimVenue.CreatePosition(ctx, amountA, amountB, lower, upper, minA, minB)
}

func TestRebalance_EscrowWhenCompensationFails(t *testing.T) {
	adapter := &brokenCreateAdapter{SimVenue: market.NewSimVenue()}
	f := newFixtureWithAdapter(t, adapter)
	f.venue = adapter.SimVenue
	id := f.open(t, 100, 200)
	f.protect(t, id)

	adapter.failures = 2
	_, _, err := f.engine.Rebalance(context.Background(), id, f.agent, -120, 120, "", 0, 0)
	wantKind(t, err, apperrors.KindExternalAdapterFailure)

	pos, _ := f.engine.GetPosition(id)
	if !pos.InEscrow() {
		t.Fatal("position should be escrowed")
	}
	if pos.EscrowedA != 100 || pos.EscrowedB != 200 {
		t.Errorf("escrow = (%d, %d), want (100, 200)", pos.EscrowedA, pos.EscrowedB)
	}
	if pos.LiquidityUnits != 0 {
		t.Errorf("liquidity = %d, want 0", pos.LiquidityUnits)
	}
	if !pos.IsPaused {
		t.Error("escrowed position must be paused")
	}

	elig, _ := f.engine.CanRebalance(id)
	if elig.Eligible || elig.Reason != string(apperrors.KindPositionPaused) {
		t.Errorf("eligibility = %+v, want paused reason", elig)
	}

	// The owner recovers the escrowed amounts through emergency close, which
	// skips the venue entirely.
	result, err := f.engine.EmergencyClose(context.Background(), id, f.owner)
	if err != nil {
		t.Fatalf("emergency close of escrowed position: %v", err)
	}
	if result.AmountA != 100 || result.AmountB != 200 {
		t.Errorf("recovered = (%d, %d), want (100, 200)", result.AmountA, result.AmountB)
	}
}

// ============================================================================
// Reentrancy
// ============================================================================

// reentrantAdapter simulates a venue that calls back into the engine in the
// middle of a capability call.
type reentrantAdapter struct {
	*market.SimVenue
	engine   *core.Engine
	owner    uuid.UUID
	callback func() error
	seen     error
	armed    bool
}

func (a *reentrantAdapter) CreatePosition(ctx context.Context, amountA, amountB int64, lower, upper int32, minA, minB int64) (uuid.UUID, int64, error) {
	if a.armed {
		a.armed = false
		a.seen = a.callback()
	}
	return a.SimVenue.CreatePosition(ctx, amountA, amountB, lower, upper, minA, minB)
}

func TestReentrantCallRejected(t *testing.T) {
	adapter := &reentrantAdapter{SimVenue: market.NewSimVenue()}
	f := newFixtureWithAdapter(t, adapter)
	adapter.engine = f.engine
	adapter.owner = f.owner
	adapter.callback = func() error {
		_, err := adapter.engine.Open(context.Background(), adapter.owner, 100, 200, -60, 60, 0, 0)
		return err
	}
	adapter.armed = true

	// The outer open succeeds; the reentrant open inside the venue call is
	// rejected without deadlocking.
	id, err := f.engine.Open(context.Background(), f.owner, 100, 200, -887220, 887220, 0, 0)
	if err != nil {
		t.Fatalf("outer open: %v", err)
	}
	if id != 1 {
		t.Errorf("outer id = %d, want 1", id)
	}
	wantKind(t, adapter.seen, apperrors.KindReentrantCall)

	if n := f.engine.PositionCount(); n != 1 {
		t.Errorf("position count = %d, want 1", n)
	}
}

func TestReentrantFlagToggleRejected(t *testing.T) {
	adapter := &reentrantAdapter{SimVenue: market.NewSimVenue()}
	f := newFixtureWithAdapter(t, adapter)
	adapter.engine = f.engine
	adapter.owner = f.owner
	adapter.callback = func() error {
		return adapter.engine.SetPaused(context.Background(), 1, adapter.owner, true)
	}
	adapter.armed = true

	if _, err := f.engine.Open(context.Background(), f.owner, 100, 200, -60, 60, 0, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	wantKind(t, adapter.seen, apperrors.KindReentrantCall)
}

// ============================================================================
// Administration
// ============================================================================

func TestAdminParams(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.SetCooldownSeconds(f.owner, 600); apperrors.KindOf(err) != apperrors.KindNotAuthorizedRole {
		t.Error("non-admin must not set params")
	}

	if err := f.engine.SetCooldownSeconds(f.admin, 200); apperrors.KindOf(err) != apperrors.KindConfigurationOutOfRange {
		t.Error("cooldown below floor should be rejected")
	}
	if got := f.engine.Params().CooldownSeconds; got != 3600 {
		t.Errorf("cooldown after rejected update = %d, want 3600", got)
	}

	if err := f.engine.SetSlippageToleranceBps(f.admin, 1001); apperrors.KindOf(err) != apperrors.KindConfigurationOutOfRange {
		t.Error("slippage above 1000 bps should be rejected")
	}
	if err := f.engine.SetMaxActionsPerDay(f.admin, 0); apperrors.KindOf(err) != apperrors.KindConfigurationOutOfRange {
		t.Error("zero cap should be rejected")
	}
	if err := f.engine.SetMinDepositAmount(f.admin, -1); apperrors.KindOf(err) != apperrors.KindConfigurationOutOfRange {
		t.Error("negative min deposit should be rejected")
	}

	if err := f.engine.SetCooldownSeconds(f.admin, 600); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	if err := f.engine.SetMinDepositAmount(f.admin, 0); err != nil {
		t.Fatalf("zero min deposit is legal: %v", err)
	}
	p := f.engine.Params()
	if p.CooldownSeconds != 600 || p.MinDepositAmount != 0 {
		t.Errorf("params = %+v", p)
	}
}

// Parameter changes apply to subsequent actions only; an elapsed cooldown is
// not retroactively re-armed.
func TestAdminParams_TakeEffectForward(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)
	ctx := context.Background()

	if _, _, err := f.engine.Rebalance(ctx, id, f.agent, -120, 120, "", 0, 0); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	f.clock.Advance(time.Hour)

	if err := f.engine.SetCooldownSeconds(f.admin, 7200); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	// One hour elapsed, new cooldown is two: the next attempt now fails.
	_, _, err := f.engine.Rebalance(ctx, id, f.agent, -180, 180, "", 0, 0)
	wantKind(t, err, apperrors.KindCooldownActive)
}

func TestBreakerLifecycle(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.TripBreaker(f.owner); apperrors.KindOf(err) != apperrors.KindNotAuthorizedRole {
		t.Error("unprivileged trip should fail")
	}
	if err := f.engine.TripBreaker(f.guardian); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if !f.engine.GloballyPaused() {
		t.Fatal("breaker should be tripped")
	}
	if err := f.engine.ReleaseBreaker(f.guardian); apperrors.KindOf(err) != apperrors.KindNotAuthorizedRole {
		t.Error("guardian release should fail")
	}
	if err := f.engine.ReleaseBreaker(f.admin); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.engine.GloballyPaused() {
		t.Error("breaker should be released")
	}
}

// ============================================================================
// Queries and audit
// ============================================================================

func TestGetPosition_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	pos, _ := f.engine.GetPosition(id)
	pos.AmountA = 9999

	again, _ := f.engine.GetPosition(id)
	if again.AmountA != 100 {
		t.Error("mutating the returned copy leaked into the ledger")
	}
}

func TestCanRebalance_Reasons(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)

	elig, err := f.engine.CanRebalance(id)
	if err != nil {
		t.Fatalf("can rebalance: %v", err)
	}
	if elig.Eligible || elig.Reason != string(apperrors.KindNotProtected) {
		t.Errorf("eligibility = %+v, want not-protected", elig)
	}

	f.protect(t, id)
	elig, _ = f.engine.CanRebalance(id)
	if !elig.Eligible {
		t.Errorf("eligibility = %+v, want eligible", elig)
	}

	// Pause and unpause toggle eligibility.
	f.engine.SetPaused(context.Background(), id, f.owner, true)
	elig, _ = f.engine.CanRebalance(id)
	if elig.Eligible || elig.Reason != string(apperrors.KindPositionPaused) {
		t.Errorf("eligibility while paused = %+v", elig)
	}
	f.engine.SetPaused(context.Background(), id, f.owner, false)
	if elig, _ = f.engine.CanRebalance(id); !elig.Eligible {
		t.Errorf("eligibility after unpause = %+v, want eligible", elig)
	}

	f.engine.TripBreaker(f.guardian)
	elig, _ = f.engine.CanRebalance(id)
	if elig.Eligible || elig.Reason != string(apperrors.KindGloballyPaused) {
		t.Errorf("eligibility = %+v, want globally-paused", elig)
	}

	if _, err := f.engine.CanRebalance(99); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Error("unknown position should report NotFound")
	}
}

func TestAuditRecordsSequenced(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, 100, 200)
	f.protect(t, id)
	if _, _, err := f.engine.Rebalance(context.Background(), id, f.agent, -120, 120, "drift", 0, 0); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if _, err := f.engine.Close(context.Background(), id, f.owner, 0, 0); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := f.drainAudit()
	if len(recs) != 3 {
		t.Fatalf("audit records = %d, want 3", len(recs))
	}

	if recs[0].Action != audit.ActionOpen || recs[0].Sequence != 1 {
		t.Errorf("rec[0] = %s seq %d, want open seq 1", recs[0].Action, recs[0].Sequence)
	}
	if recs[1].Action != audit.ActionRebalance || recs[1].Sequence != 2 {
		t.Errorf("rec[1] = %s seq %d, want rebalance seq 2", recs[1].Action, recs[1].Sequence)
	}
	if recs[1].OldRangeLower != -887220 || recs[1].NewRangeLower != -120 {
		t.Errorf("rebalance record ranges = %d -> %d", recs[1].OldRangeLower, recs[1].NewRangeLower)
	}
	if recs[1].ReasonTag != "drift" {
		t.Errorf("reason tag = %q, want drift", recs[1].ReasonTag)
	}
	if recs[1].Actor != f.agent || recs[1].Owner != f.owner {
		t.Error("rebalance record actor/owner mismatch")
	}
	if recs[2].Action != audit.ActionClose || recs[2].Sequence != 3 {
		t.Errorf("rec[2] = %s seq %d, want close seq 3", recs[2].Action, recs[2].Sequence)
	}
}
