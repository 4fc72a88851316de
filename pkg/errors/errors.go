package errors

import (
	"errors"
	"fmt"
	"net/http"

	"watchparty/internal/core/domain"
)

// ErrorCode represents application error codes surfaced over HTTP and the
// control channel.
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadGateway   ErrorCode = "BAD_GATEWAY"
)

// AppError carries an error code and the HTTP status it maps to.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewBadGatewayError(message string) *AppError {
	return NewAppError(ErrCodeBadGateway, message, http.StatusBadGateway)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps state-machine sentinels onto transport errors. Anything
// unrecognized becomes an internal error so the original cause is never
// leaked to clients.
func FromDomain(err error) *AppError {
	switch {
	case errors.Is(err, domain.ErrPartyNotFound):
		return &AppError{Code: ErrCodeNotFound, Message: "watch party not found", HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrNoVideo):
		return &AppError{Code: ErrCodeNotFound, Message: "no video is currently playing", HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrNotMember), errors.Is(err, domain.ErrTokenInvalid),
		errors.Is(err, domain.ErrTokenExpired), errors.Is(err, domain.ErrItemMismatch):
		return &AppError{Code: ErrCodeUnauthorized, Message: "unauthorized", HTTPStatus: http.StatusUnauthorized, Cause: err}
	case errors.Is(err, domain.ErrNotSelector):
		return &AppError{Code: ErrCodeForbidden, Message: domain.ErrNotSelector.Error(), HTTPStatus: http.StatusForbidden, Cause: err}
	case errors.Is(err, domain.ErrPartyFull):
		return &AppError{Code: ErrCodeForbidden, Message: domain.ErrPartyFull.Error(), HTTPStatus: http.StatusForbidden, Cause: err}
	case errors.Is(err, domain.ErrUpstreamUnreachable):
		return &AppError{Code: ErrCodeBadGateway, Message: "failed to fetch from media server", HTTPStatus: http.StatusBadGateway, Cause: err}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "internal server error", HTTPStatus: http.StatusInternalServerError, Cause: err}
	}
}

// GetAppError extracts an AppError from an error chain.
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
