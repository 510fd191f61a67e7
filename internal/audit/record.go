package audit

import (
	"time"

	"RangeLedger/internal/state"

	"github.com/google/uuid"
)

// Action discriminates audit record types.
type Action string

const (
	ActionOpen           Action = "open"
	ActionClose          Action = "close"
	ActionEmergencyClose Action = "emergency_close"
	ActionRebalance      Action = "rebalance"
)

// Record is one committed mutating action. Sequence is assigned by the engine
// and is globally monotonic, which makes it the stable idempotent write key
// for the persistence worker.
type Record struct {
	Sequence   int64            `json:"sequence"`
	Action     Action           `json:"action"`
	PositionID state.PositionID `json:"position_id"`
	Owner      uuid.UUID        `json:"owner"`
	Actor      uuid.UUID        `json:"actor"`

	OldRangeLower int32 `json:"old_range_lower"`
	OldRangeUpper int32 `json:"old_range_upper"`
	NewRangeLower int32 `json:"new_range_lower"`
	NewRangeUpper int32 `json:"new_range_upper"`

	ReasonTag string `json:"reason_tag,omitempty"`

	FeesCollectedA int64 `json:"fees_collected_a"`
	FeesCollectedB int64 `json:"fees_collected_b"`
	AmountA        int64 `json:"amount_a"`
	AmountB        int64 `json:"amount_b"`

	Timestamp time.Time `json:"timestamp"`
}
