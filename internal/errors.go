package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden           ErrorType = "FORBIDDEN"
	ErrorTypeConflict            ErrorType = "CONFLICT"
	ErrorTypeInternal            ErrorType = "INTERNAL_ERROR"
	ErrorTypeUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	ErrorTypeUpstreamMalformed   ErrorType = "UPSTREAM_MALFORMED"
	ErrorTypeUpstream            ErrorType = "UPSTREAM_ERROR"
	ErrorTypePaymentRejected     ErrorType = "PAYMENT_REJECTED"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeUnknownTramite   ErrorCode = "UNKNOWN_TRAMITE"
	ErrCodeInvalidOutcome   ErrorCode = "INVALID_OUTCOME"
	ErrCodeInvalidFormat    ErrorCode = "INVALID_FORMAT"

	ErrCodePaymentNotFound      ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeNotificationNotFound ErrorCode = "NOTIFICATION_NOT_FOUND"
	ErrCodeStateConflict        ErrorCode = "STATE_CONFLICT"

	ErrCodeInvalidToken  ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired  ErrorCode = "TOKEN_EXPIRED"
	ErrCodeInvalidSecret ErrorCode = "INVALID_CALLBACK_SECRET"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"

	ErrCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	ErrCodeGatewayMalformed   ErrorCode = "GATEWAY_MALFORMED_RESPONSE"
	ErrCodeGatewayStatus      ErrorCode = "GATEWAY_ERROR_STATUS"
	ErrCodePaymentRejected    ErrorCode = "PAYMENT_REJECTED"
	ErrCodeLedgerWriteFailed  ErrorCode = "LEDGER_WRITE_FAILED"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Type and Code so sentinel AppErrors work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewUpstreamUnavailableError covers transport failures talking to the gateway.
// A timeout is reported with 504 because the gateway may have acted on the request.
func NewUpstreamUnavailableError(message string, timeout bool, cause error) *AppError {
	e := &AppError{
		Type:       ErrorTypeUpstreamUnavailable,
		Code:       ErrCodeGatewayUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Cause:      cause,
	}
	if timeout {
		e.Code = ErrCodeGatewayTimeout
		e.StatusCode = http.StatusGatewayTimeout
	}
	return e
}

func NewUpstreamMalformedError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstreamMalformed,
		Code:       ErrCodeGatewayMalformed,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

func NewUpstreamStatusError(message string, statusCode int, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstream,
		Code:       ErrCodeGatewayStatus,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

func NewPaymentRejectedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePaymentRejected,
		Code:       ErrCodePaymentRejected,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

var (
	ErrPaymentNotFound      = NewNotFoundError("payment not found", ErrCodePaymentNotFound)
	ErrNotificationNotFound = NewNotFoundError("notification not found", ErrCodeNotificationNotFound)
	ErrStateConflict        = NewConflictError("payment already has a different terminal outcome", ErrCodeStateConflict)
	ErrLedgerWriteFailed    = &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeLedgerWriteFailed,
		Message:    "payment session opened but could not be recorded, contact support",
		StatusCode: http.StatusInternalServerError,
	}

	ErrInvalidToken   = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired   = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
	ErrInvalidSecret  = NewUnauthorizedError("invalid callback credentials", ErrCodeInvalidSecret)
	ErrForbiddenRoles = NewForbiddenError("insufficient role", ErrCodeForbidden)
)

// IsAppError unwraps err looking for an *AppError.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
