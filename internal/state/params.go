package state

import (
	"time"

	"RangeLedger/internal/pkg/apperrors"
)

// Legal bounds for admin-mutable parameters.
const (
	MaxSlippageToleranceBps = 1000
	MinCooldownSeconds      = 300
)

// Params holds the process-wide, admin-mutable configuration. Changes take
// effect immediately for subsequent actions only.
type Params struct {
	SlippageToleranceBps int64
	CooldownSeconds      int64
	MaxActionsPerDay     int
	MinDepositAmount     int64
}

func DefaultParams() Params {
	return Params{
		SlippageToleranceBps: 50,
		CooldownSeconds:      3600,
		MaxActionsPerDay:     4,
		MinDepositAmount:     100,
	}
}

// Validate checks every field against its legal range.
func (p Params) Validate() error {
	if p.SlippageToleranceBps < 0 || p.SlippageToleranceBps > MaxSlippageToleranceBps {
		return apperrors.Newf(apperrors.KindConfigurationOutOfRange,
			"slippage tolerance must be in [0, %d] bps, got %d", MaxSlippageToleranceBps, p.SlippageToleranceBps)
	}
	if p.CooldownSeconds < MinCooldownSeconds {
		return apperrors.Newf(apperrors.KindConfigurationOutOfRange,
			"cooldown must be >= %d seconds, got %d", MinCooldownSeconds, p.CooldownSeconds)
	}
	if p.MaxActionsPerDay <= 0 {
		return apperrors.Newf(apperrors.KindConfigurationOutOfRange,
			"max actions per day must be > 0, got %d", p.MaxActionsPerDay)
	}
	if p.MinDepositAmount < 0 {
		return apperrors.Newf(apperrors.KindConfigurationOutOfRange,
			"min deposit must be >= 0, got %d", p.MinDepositAmount)
	}
	return nil
}

// ParamsManager manages the runtime parameter set with validated setters.
//
// Not thread-safe — only accessed from the single-writer engine.
type ParamsManager struct {
	params Params
}

func NewParamsManager(initial Params) (*ParamsManager, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &ParamsManager{params: initial}, nil
}

func (pm *ParamsManager) Get() Params {
	return pm.params
}

func (pm *ParamsManager) Cooldown() time.Duration {
	return time.Duration(pm.params.CooldownSeconds) * time.Second
}

func (pm *ParamsManager) SetSlippageToleranceBps(v int64) error {
	next := pm.params
	next.SlippageToleranceBps = v
	return pm.apply(next)
}

func (pm *ParamsManager) SetCooldownSeconds(v int64) error {
	next := pm.params
	next.CooldownSeconds = v
	return pm.apply(next)
}

func (pm *ParamsManager) SetMaxActionsPerDay(v int) error {
	next := pm.params
	next.MaxActionsPerDay = v
	return pm.apply(next)
}

func (pm *ParamsManager) SetMinDepositAmount(v int64) error {
	next := pm.params
	next.MinDepositAmount = v
	return pm.apply(next)
}

func (pm *ParamsManager) apply(next Params) error {
	if err := next.Validate(); err != nil {
		return err
	}
	pm.params = next
	return nil
}
