package orders

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/lifecycle"
)

var (
	ErrNotFound             = errors.New("order not found")
	ErrDuplicateOrderNumber = errors.New("order number already taken for this business day")
	ErrStatusConflict       = errors.New("order status changed concurrently")

	ErrValidation            = errors.New("validation failed")
	ErrCustomerNameRequired  = fmt.Errorf("%w: customer name is required", ErrValidation)
	ErrCustomerPhoneRequired = fmt.Errorf("%w: customer phone is required", ErrValidation)
	ErrItemsRequired         = fmt.Errorf("%w: at least one item with a name and a price is required", ErrValidation)
	ErrInvalidOrderType      = fmt.Errorf("%w: unknown order type", ErrValidation)
	ErrInvalidPaymentMethod  = fmt.Errorf("%w: unknown payment method", ErrValidation)
	ErrInvalidStatus         = fmt.Errorf("%w: unknown status", ErrValidation)
)

const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = auth.CodeUnauthorized
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func NewAPIError(statusCode int, code, message string) *APIError {
	return &APIError{StatusCode: statusCode, Code: code, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// toAPIError maps a service error onto the response the client sees.
// Internal errors keep a generic message; the cause is only logged.
func toAPIError(err error) *APIError {
	switch {
	case errors.Is(err, ErrValidation):
		return NewAPIError(http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, ErrNotFound):
		return NewAPIError(http.StatusNotFound, ErrCodeNotFound, "Order not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, ErrStatusConflict):
		return NewAPIError(http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, lifecycle.ErrUnknownAction):
		return NewAPIError(http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		return NewAPIError(http.StatusInternalServerError, ErrCodeInternalServerError, "Internal error")
	}
}

// BackendError is what the client returns for a structured error response.
type BackendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("order service returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets callers test client errors against the service sentinels.
func (e *BackendError) Is(target error) bool {
	switch e.Code {
	case ErrCodeNotFound:
		return target == ErrNotFound
	case ErrCodeInvalidTransition:
		return target == lifecycle.ErrInvalidTransition
	case ErrCodeValidationFailed:
		return target == ErrValidation
	}
	return false
}
