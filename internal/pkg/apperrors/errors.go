package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine-readable classification of a ledger error.
type Kind string

const (
	KindInvalidAmount           Kind = "INVALID_AMOUNT"
	KindInvalidRange            Kind = "INVALID_RANGE"
	KindNotFound                Kind = "NOT_FOUND"
	KindNotOwner                Kind = "NOT_OWNER"
	KindNotAuthorizedRole       Kind = "NOT_AUTHORIZED_ROLE"
	KindPositionPaused          Kind = "POSITION_PAUSED"
	KindGloballyPaused          Kind = "GLOBALLY_PAUSED"
	KindCooldownActive          Kind = "COOLDOWN_ACTIVE"
	KindDailyCapReached         Kind = "DAILY_CAP_REACHED"
	KindNotProtected            Kind = "NOT_PROTECTED"
	KindInsufficientLiquidity   Kind = "INSUFFICIENT_LIQUIDITY"
	KindExternalAdapterFailure  Kind = "EXTERNAL_ADAPTER_FAILURE"
	KindConfigurationOutOfRange Kind = "CONFIGURATION_OUT_OF_RANGE"
	KindReentrantCall           Kind = "REENTRANT_CALL"
	KindInternal                Kind = "INTERNAL_ERROR"
)

// AppError carries a Kind alongside the human-readable message. Every check
// that can reject an operation maps to exactly one Kind; callers branch on
// KindOf, never on message text.
type AppError struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, cause error) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is lets errors.Is match two AppErrors by Kind.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// HTTPStatus maps a Kind to the status the transport layer reports.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidAmount, KindInvalidRange, KindConfigurationOutOfRange:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotOwner, KindNotAuthorizedRole:
		return http.StatusForbidden
	case KindPositionPaused, KindGloballyPaused, KindNotProtected, KindReentrantCall:
		return http.StatusConflict
	case KindCooldownActive, KindDailyCapReached:
		return http.StatusTooManyRequests
	case KindInsufficientLiquidity:
		return http.StatusUnprocessableEntity
	case KindExternalAdapterFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
