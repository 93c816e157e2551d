package response

import (
	"errors"
	"net/http"
	"time"

	"hosted-payment-bridge/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the gin context key carrying the request id.
const RequestIDKey = "request_id"

// SuccessResponse is the envelope for admin and callback responses.
type SuccessResponse struct {
	Data      any    `json:"data"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the envelope for every error. Reason names the failure
// class of a rejected signature or session; Details carries idempotency
// conflicts.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// OK writes data inside the success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data:      data,
		RequestID: requestID(c),
		Timestamp: now(),
	})
}

// Bare writes v without the envelope, for callers that expect a fixed body
// shape such as the platform's payment-session API.
func Bare(c *gin.Context, status int, v any) {
	c.Header("X-Request-ID", requestID(c))
	c.JSON(status, v)
}

// Error writes err and aborts the chain. Errors that are not an
// *apperror.AppError become SYS_000. Server-side failures are attached to
// the gin context so the request logger records the cause.
func Error(c *gin.Context, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		appErr = apperror.Wrap("SYS_000", "Internal server error", http.StatusInternalServerError, err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(appErr.HTTPStatus, ErrorResponse{
		ErrorCode: appErr.Code,
		Message:   appErr.Message,
		Reason:    appErr.Reason,
		Details:   appErr.Details,
		RequestID: requestID(c),
		Timestamp: now(),
	})
}

func requestID(c *gin.Context) string {
	if id := c.GetString(RequestIDKey); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Set(RequestIDKey, id)
	return id
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
