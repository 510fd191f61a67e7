package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"RangeLedger/internal/core"
	"RangeLedger/internal/observability"
	"RangeLedger/internal/pkg/apperrors"
	"RangeLedger/internal/state"
)

// PositionHandler exposes the position lifecycle over HTTP. All mutating
// requests go through the engine, which serializes them internally.
type PositionHandler struct {
	engine  *core.Engine
	metrics *observability.Metrics
}

func NewPositionHandler(engine *core.Engine, metrics *observability.Metrics) *PositionHandler {
	return &PositionHandler{engine: engine, metrics: metrics}
}

type openRequest struct {
	AmountA    int64 `json:"amount_a"`
	AmountB    int64 `json:"amount_b"`
	RangeLower int32 `json:"range_lower"`
	RangeUpper int32 `json:"range_upper"`
	MinA       int64 `json:"min_a"`
	MinB       int64 `json:"min_b"`
}

func (h *PositionHandler) Open(c *gin.Context) {
	principal := principalFrom(c)

	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.engine.Open(c.Request.Context(), principal.ID,
		req.AmountA, req.AmountB, req.RangeLower, req.RangeUpper, req.MinA, req.MinB)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"position_id": id})
}

type closeRequest struct {
	MinA int64 `json:"min_a"`
	MinB int64 `json:"min_b"`
}

func (h *PositionHandler) Close(c *gin.Context) {
	principal := principalFrom(c)
	id, ok := positionID(c)
	if !ok {
		return
	}

	// Body is optional; empty body means no slippage floors.
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.engine.Close(c.Request.Context(), id, principal.ID, req.MinA, req.MinB)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, closeResponse(result))
}

func (h *PositionHandler) EmergencyClose(c *gin.Context) {
	principal := principalFrom(c)
	id, ok := positionID(c)
	if !ok {
		return
	}

	result, err := h.engine.EmergencyClose(c.Request.Context(), id, principal.ID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, closeResponse(result))
}

type protectionRequest struct {
	Protected bool `json:"protected"`
}

func (h *PositionHandler) SetProtection(c *gin.Context) {
	principal := principalFrom(c)
	id, ok := positionID(c)
	if !ok {
		return
	}

	var req protectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.SetProtected(c.Request.Context(), id, principal.ID, req.Protected); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"position_id": id, "protected": req.Protected})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (h *PositionHandler) SetPause(c *gin.Context) {
	principal := principalFrom(c)
	id, ok := positionID(c)
	if !ok {
		return
	}

	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.SetPaused(c.Request.Context(), id, principal.ID, req.Paused); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"position_id": id, "paused": req.Paused})
}

type rebalanceRequest struct {
	NewRangeLower int32  `json:"new_range_lower"`
	NewRangeUpper int32  `json:"new_range_upper"`
	ReasonTag     string `json:"reason_tag"`
	MinA          int64  `json:"min_a"`
	MinB          int64  `json:"min_b"`
}

func (h *PositionHandler) Rebalance(c *gin.Context) {
	principal := principalFrom(c)
	id, ok := positionID(c)
	if !ok {
		return
	}

	var req rebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	feesA, feesB, err := h.engine.Rebalance(c.Request.Context(), id, principal.ID,
		req.NewRangeLower, req.NewRangeUpper, req.ReasonTag, req.MinA, req.MinB)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"position_id":      id,
		"fees_collected_a": feesA,
		"fees_collected_b": feesB,
	})
}

func (h *PositionHandler) GetPosition(c *gin.Context) {
	h.countQuery("get_position")
	id, ok := positionID(c)
	if !ok {
		return
	}

	pos, err := h.engine.GetPosition(id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, positionResponse(pos))
}

func (h *PositionHandler) ListOwnerPositions(c *gin.Context) {
	h.countQuery("list_owner_positions")
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}

	ids := h.engine.ListPositions(owner)
	c.JSON(http.StatusOK, gin.H{"owner": owner, "position_ids": ids})
}

func (h *PositionHandler) Eligibility(c *gin.Context) {
	h.countQuery("eligibility")
	id, ok := positionID(c)
	if !ok {
		return
	}

	elig, err := h.engine.CanRebalance(id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, elig)
}

func (h *PositionHandler) ActionsToday(c *gin.Context) {
	h.countQuery("actions_today")
	id, ok := positionID(c)
	if !ok {
		return
	}

	n, err := h.engine.ActionCountToday(id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"position_id": id, "actions_today": n})
}

func (h *PositionHandler) countQuery(endpoint string) {
	if h.metrics != nil {
		h.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	}
}

func positionID(c *gin.Context) (state.PositionID, bool) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || raw == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"kind":  string(apperrors.KindNotFound),
			"error": "invalid position id",
		})
		return 0, false
	}
	return state.PositionID(raw), true
}

func closeResponse(r core.CloseResult) gin.H {
	return gin.H{
		"amount_a":         r.AmountA,
		"amount_b":         r.AmountB,
		"fees_collected_a": r.FeesCollectedA,
		"fees_collected_b": r.FeesCollectedB,
	}
}

func positionResponse(p state.Position) gin.H {
	resp := gin.H{
		"id":              p.ID,
		"owner":           p.Owner,
		"range_lower":     p.RangeLower,
		"range_upper":     p.RangeUpper,
		"liquidity_units": p.LiquidityUnits,
		"amount_a":        p.AmountA,
		"amount_b":        p.AmountB,
		"is_protected":    p.IsProtected,
		"is_paused":       p.IsPaused,
		"created_at":      p.CreatedAt,
		"version":         p.Version,
	}
	if !p.NeverRebalanced() {
		resp["last_rebalance_at"] = p.LastRebalanceAt
	}
	if p.InEscrow() {
		resp["escrowed_a"] = p.EscrowedA
		resp["escrowed_b"] = p.EscrowedB
	}
	return resp
}
