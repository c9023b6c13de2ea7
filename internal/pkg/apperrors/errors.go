package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrInvalidRequest        ErrorType = "INVALID_REQUEST"
	ErrTermsOutOfRange       ErrorType = "TERMS_OUT_OF_RANGE"
	ErrInsufficientInventory ErrorType = "INSUFFICIENT_INVENTORY"
	ErrChainTransient        ErrorType = "CHAIN_TRANSIENT"
	ErrChainReset            ErrorType = "CHAIN_RESET"
	ErrPriceProtection       ErrorType = "PRICE_PROTECTION"
	ErrQuoteExpired          ErrorType = "QUOTE_EXPIRED"
	ErrStateConflict         ErrorType = "STATE_CONFLICT"
	ErrFatalConfig           ErrorType = "FATAL_CONFIG"
	ErrAuthFailed            ErrorType = "AUTH_FAILED"
	ErrNotFound              ErrorType = "NOT_FOUND"
	ErrUpstream              ErrorType = "UPSTREAM_ERROR"
	ErrInternal              ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
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

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(what string) *AppError {
	return New(ErrNotFound, what+" not found", nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf returns the ErrorType carried anywhere in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrTermsOutOfRange:
		return http.StatusBadRequest
	case ErrInsufficientInventory, ErrStateConflict:
		return http.StatusConflict
	case ErrPriceProtection, ErrQuoteExpired:
		return http.StatusUnprocessableEntity
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrChainTransient, ErrUpstream:
		return http.StatusBadGateway
	case ErrChainReset:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrTermsOutOfRange:
		return "Check discount, lockup and amount against the consignment terms."
	case ErrInsufficientInventory:
		return "Request a smaller amount or pick another consignment."
	case ErrChainTransient:
		return "Retry the request."
	case ErrChainReset:
		return "Wait for reconciliation to finish, then retry."
	case ErrPriceProtection, ErrQuoteExpired:
		return "Request a fresh quote."
	case ErrFatalConfig:
		return "Escrow deployment for this chain is not configured."
	case ErrAuthFailed:
		return "Check the admin key."
	default:
		return ""
	}
}
