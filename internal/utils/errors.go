package utils

import "fmt"

type AppError struct {
	Code    string
	Message string
	Origin  error // Original error that caused this error, if any
}

func (appErr *AppError) Error() string {
	if appErr.Origin != nil {
		return appErr.Message + ": " + appErr.Origin.Error()
	}
	return appErr.Message
}

func (appErr *AppError) Unwrap() error {
	return appErr.Origin
}

// Standard error codes for the messaging core
const (
	// Resource errors
	ErrNotFound     = "NOT_FOUND"
	ErrDuplicate    = "DUPLICATE"
	ErrInvalidInput = "INVALID_INPUT"

	// Transport errors
	ErrTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	ErrTransportClosed      = "TRANSPORT_CLOSED"

	// Durable store errors
	ErrPersistenceFailed = "PERSISTENCE_FAILED"

	// Reconciliation errors
	ErrReconciliationConflict = "RECONCILIATION_CONFLICT"

	// Session errors
	ErrSessionClosed = "SESSION_CLOSED"
	ErrTimeout       = "TIMEOUT"

	// Token errors
	ErrInvalidToken = "INVALID_TOKEN"
)

// Error creation helper functions
func NewAppError(code string, message string, originalErr error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Origin:  originalErr,
	}
}

// Specific error creators for common cases
func NewTransportUnavailableError(conversationID string) *AppError {
	return &AppError{
		Code:    ErrTransportUnavailable,
		Message: "No active transport connection for conversation: " + conversationID,
	}
}

func NewPersistenceFailedError(op string, originalErr error) *AppError {
	return &AppError{
		Code:    ErrPersistenceFailed,
		Message: "Durable store operation failed: " + op,
		Origin:  originalErr,
	}
}

func NewReconciliationConflictError(reason string) *AppError {
	return &AppError{
		Code:    ErrReconciliationConflict,
		Message: "Cannot reconcile event: " + reason,
	}
}

func NewTimeoutError(op string) *AppError {
	return &AppError{
		Code:    ErrTimeout,
		Message: fmt.Sprintf("Operation timed out: %s", op),
	}
}

func NewSessionClosedError(conversationID string) *AppError {
	return &AppError{
		Code:    ErrSessionClosed,
		Message: "Chat session already closed: " + conversationID,
	}
}

// Helper method to check if an error is of a specific type
func IsErrorCode(err error, code string) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Helper method to check if an error should surface as a failed-send flag
// on the affected message rather than propagate to the caller.
func IsSendFailure(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == ErrTransportUnavailable ||
			appErr.Code == ErrTransportClosed ||
			appErr.Code == ErrTimeout
	}
	return false
}
