package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"RangeLedger/internal/core"
	"RangeLedger/internal/state"
)

// AdminHandler exposes parameter configuration and the circuit breaker.
// Role checks live in the engine, not here, so direct callers get the same
// enforcement as HTTP ones.
type AdminHandler struct {
	engine *core.Engine
}

func NewAdminHandler(engine *core.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

func (h *AdminHandler) GetParams(c *gin.Context) {
	c.JSON(http.StatusOK, paramsResponse(h.engine.Params()))
}

type paramsUpdateRequest struct {
	SlippageToleranceBps *int64 `json:"slippage_tolerance_bps"`
	CooldownSeconds      *int64 `json:"cooldown_seconds"`
	MaxActionsPerDay     *int   `json:"max_actions_per_day"`
	MinDepositAmount     *int64 `json:"min_deposit_amount"`
}

// UpdateParams applies a partial update. Fields left out of the body keep
// their current value. Each setter validates its bound before applying, so a
// rejected field leaves the rest of the update untouched up to that point.
func (h *AdminHandler) UpdateParams(c *gin.Context) {
	principal := principalFrom(c)

	var req paramsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.SlippageToleranceBps != nil {
		if err := h.engine.SetSlippageToleranceBps(principal.ID, *req.SlippageToleranceBps); err != nil {
			c.Error(err)
			return
		}
	}
	if req.CooldownSeconds != nil {
		if err := h.engine.SetCooldownSeconds(principal.ID, *req.CooldownSeconds); err != nil {
			c.Error(err)
			return
		}
	}
	if req.MaxActionsPerDay != nil {
		if err := h.engine.SetMaxActionsPerDay(principal.ID, *req.MaxActionsPerDay); err != nil {
			c.Error(err)
			return
		}
	}
	if req.MinDepositAmount != nil {
		if err := h.engine.SetMinDepositAmount(principal.ID, *req.MinDepositAmount); err != nil {
			c.Error(err)
			return
		}
	}

	c.JSON(http.StatusOK, paramsResponse(h.engine.Params()))
}

func (h *AdminHandler) TripBreaker(c *gin.Context) {
	principal := principalFrom(c)
	if err := h.engine.TripBreaker(principal.ID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"globally_paused": true})
}

func (h *AdminHandler) ReleaseBreaker(c *gin.Context) {
	principal := principalFrom(c)
	if err := h.engine.ReleaseBreaker(principal.ID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"globally_paused": false})
}

func (h *AdminHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"globally_paused": h.engine.GloballyPaused(),
		"positions":       h.engine.PositionCount(),
		"sequence":        h.engine.Sequence(),
	})
}

func paramsResponse(p state.Params) gin.H {
	return gin.H{
		"slippage_tolerance_bps": p.SlippageToleranceBps,
		"cooldown_seconds":       p.CooldownSeconds,
		"max_actions_per_day":    p.MaxActionsPerDay,
		"min_deposit_amount":     p.MinDepositAmount,
	}
}
