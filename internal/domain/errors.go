package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Settlement error taxonomy. Services wrap these; the handler layer maps them
// onto gateway-facing status codes.
var (
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrUnknownOrder          = errors.New("unknown order")
	ErrOrderInFlight         = errors.New("order already in flight")
	ErrAlreadyApplied        = errors.New("already applied")
	ErrReservationHeld       = errors.New("reservation held by a concurrent delivery")
	ErrTerminalStateConflict = errors.New("order already in a terminal state")
	ErrGatewayUnavailable    = errors.New("gateway unavailable")
	ErrPersistence           = errors.New("persistence failure")
)

// Common error constructors.

func ErrNotFound(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: msg}
}

func ErrBadRequest(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, Message: msg}
}

func ErrConflict(msg string, err error) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg, Err: err}
}

func ErrUnavailable(msg string, err error) *AppError {
	return &AppError{Code: http.StatusBadGateway, Message: msg, Err: err}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsAppError attempts to extract an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
