package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("PAY_002", "Invalid amount", http.StatusBadRequest),
			expected: "[PAY_002] Invalid amount",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
}

func TestAppError_IsNilUnwrap(t *testing.T) {
	appErr := New("PAY_001", "test", http.StatusBadRequest)
	assert.Nil(t, appErr.Unwrap())
}

func TestSecurityErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		reason     string
		httpStatus int
	}{
		{"SignatureMissing", ErrSignatureMissing(), "SEC_001", ReasonNoHMAC, 401},
		{"InvalidSignature", ErrInvalidSignature(), "SEC_002", ReasonMismatch, 401},
		{"TimestampExpired", ErrTimestampExpired(), "SEC_003", ReasonStale, 401},
		{"InvalidState", ErrInvalidState(), "SEC_004", ReasonBadState, 401},
		{"NoSession", ErrNoSession(), "SEC_005", ReasonNoSession, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.reason, tt.err.Reason)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestPaymentErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"Validation", Validation("missing field"), "PAY_001", 400},
		{"InvalidAmount", ErrInvalidAmount(), "PAY_002", 400},
		{"IdempotencyConflict", ErrIdempotencyConflict(nil), "PAY_003", 409},
		{"AmbiguousOrder", ErrAmbiguousOrder(), "PAY_006", 409},
		{"NotFound", ErrNotFound("Payment"), "PAY_004", 404},
		{"InvalidCurrency", ErrInvalidCurrency(), "PAY_005", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestShopErrors(t *testing.T) {
	assert.Equal(t, 400, ErrInvalidShop().HTTPStatus)
	assert.Equal(t, 412, ErrSettingsMissing().HTTPStatus)
	assert.Equal(t, 404, ErrShopNotInstalled().HTTPStatus)
}

func TestIdempotencyConflict_Details(t *testing.T) {
	err := ErrIdempotencyConflict([]Conflict{{Field: "amount", Existing: "10.00", Requested: "12.00"}})

	details, ok := err.Details.(map[string]any)
	require.True(t, ok)
	conflicts, ok := details["conflicts"].([]Conflict)
	require.True(t, ok)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "amount", conflicts[0].Field)
	assert.Equal(t, "10.00", conflicts[0].Existing)
	assert.Equal(t, "12.00", conflicts[0].Requested)
}

func TestSystemErrors(t *testing.T) {
	inner := fmt.Errorf("pg: connection closed")
	dbErr := ErrDatabaseError(inner)
	assert.Equal(t, "SYS_001", dbErr.Code)
	assert.Equal(t, 500, dbErr.HTTPStatus)
	assert.True(t, errors.Is(dbErr, inner))

	cfgErr := ErrMisconfigured(inner)
	assert.Equal(t, "SYS_002", cfgErr.Code)
	assert.Equal(t, 500, cfgErr.HTTPStatus)

	encErr := ErrEncryptionFailure(inner)
	assert.Equal(t, "SYS_003", encErr.Code)

	upErr := ErrUpstream(inner)
	assert.Equal(t, "SYS_004", upErr.Code)
	assert.Equal(t, 502, upErr.HTTPStatus)
}

func TestRateLimitError(t *testing.T) {
	err := ErrRateLimitExceeded()
	assert.Equal(t, "RATE_001", err.Code)
	assert.Equal(t, 429, err.HTTPStatus)
}
