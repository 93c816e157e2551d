package apperror

import (
	"fmt"
	"net/http"
)

// Reason codes exposed on signature/auth failures. They name the failure class
// only; digests and secrets are never echoed.
const (
	ReasonMismatch  = "mismatch"
	ReasonNoHMAC    = "no_hmac"
	ReasonStale     = "stale"
	ReasonNoSession = "no_session"
	ReasonBadState  = "bad_state"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Details    any    `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func withReason(e *AppError, reason string) *AppError {
	e.Reason = reason
	return e
}

// ---- Security & Authentication (SEC) ----

func ErrSignatureMissing() *AppError {
	return withReason(New("SEC_001", "Signature required", http.StatusUnauthorized), ReasonNoHMAC)
}

func ErrInvalidSignature() *AppError {
	return withReason(New("SEC_002", "Invalid signature", http.StatusUnauthorized), ReasonMismatch)
}

func ErrTimestampExpired() *AppError {
	return withReason(New("SEC_003", "Request timestamp outside tolerance", http.StatusUnauthorized), ReasonStale)
}

func ErrInvalidState() *AppError {
	return withReason(New("SEC_004", "Invalid or expired OAuth state", http.StatusUnauthorized), ReasonBadState)
}

func ErrNoSession() *AppError {
	return withReason(New("SEC_005", "Missing or expired session", http.StatusUnauthorized), ReasonNoSession)
}

// ---- Payment Business Logic (PAY) ----

// Conflict describes one core field whose requested value differs from the
// value already recorded for the order.
type Conflict struct {
	Field     string `json:"field"`
	Existing  string `json:"existing"`
	Requested string `json:"requested"`
}

func ErrInvalidAmount() *AppError {
	return New("PAY_002", "Invalid amount", http.StatusBadRequest)
}

func ErrIdempotencyConflict(conflicts []Conflict) *AppError {
	e := New("PAY_003", "Payment session already initialized with different values", http.StatusConflict)
	e.Details = map[string]any{"conflicts": conflicts}
	return e
}

func ErrNotFound(entity string) *AppError {
	return New("PAY_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidCurrency() *AppError {
	return New("PAY_005", "Invalid currency code", http.StatusBadRequest)
}

func ErrAmbiguousOrder() *AppError {
	return New("PAY_006", "Order reference matches more than one shop", http.StatusConflict)
}

// ---- Shop & Settings (SHOP) ----

func ErrInvalidShop() *AppError {
	return New("SHOP_001", "Invalid shop host", http.StatusBadRequest)
}

func ErrSettingsMissing() *AppError {
	return New("SHOP_002", "Gateway credentials are not configured for this shop, fix your settings", http.StatusPreconditionFailed)
}

func ErrShopNotInstalled() *AppError {
	return New("SHOP_003", "Shop has not installed the app", http.StatusNotFound)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrMisconfigured(err error) *AppError {
	return Wrap("SYS_002", "Server misconfigured", http.StatusInternalServerError, err)
}

func ErrEncryptionFailure(err error) *AppError {
	return Wrap("SYS_003", "Encryption service failure", http.StatusInternalServerError, err)
}

func ErrUpstream(err error) *AppError {
	return Wrap("SYS_004", "Upstream platform request failed", http.StatusBadGateway, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a PAY_001 validation error.
func Validation(message string) *AppError {
	return New("PAY_001", message, http.StatusBadRequest)
}
