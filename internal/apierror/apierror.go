// Package apierror defines the typed error taxonomy shared by the service
// core. Errors carry a machine-readable code, a human message and optional
// structured details, so a boundary layer can map them to transport responses
// without inspecting error strings.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the error category.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAuthentication     Code = "AUTHENTICATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeExternalDependency Code = "EXTERNAL_API_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeGatewayTimeout     Code = "GATEWAY_TIMEOUT"
	CodeInternal           Code = "INTERNAL_SERVER_ERROR"
)

var statusByCode = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeAuthentication:     http.StatusUnauthorized,
	CodeNotFound:           http.StatusNotFound,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeExternalDependency: http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
	CodeGatewayTimeout:     http.StatusGatewayTimeout,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is the typed error propagated out of the core packages.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status implements the HTTPStatuser contract used at the handler boundary.
func (e *Error) Status() (int, string) {
	status, ok := statusByCode[e.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, e.Message
}

func (e *Error) withDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

func Validation(message string, details map[string]any) *Error {
	return &Error{Code: CodeValidation, Message: message, Details: details}
}

func Authentication(message string, err error) *Error {
	if message == "" {
		message = "Authentication failed"
	}
	return &Error{Code: CodeAuthentication, Message: message, Err: err}
}

func NotFound(resource string) *Error {
	if resource == "" {
		resource = "Resource"
	}
	return &Error{Code: CodeNotFound, Message: resource + " not found"}
}

// RateLimited carries the retry-after hint in seconds.
func RateLimited(retryAfterSeconds int) *Error {
	e := &Error{Code: CodeRateLimited, Message: "Rate limit exceeded"}
	if retryAfterSeconds > 0 {
		e.withDetail("retryAfter", retryAfterSeconds)
	}
	return e
}

// ExternalDependency reports a non-timeout downstream failure, carrying the
// upstream status observed.
func ExternalDependency(service, message string, upstreamStatus int, err error) *Error {
	e := &Error{
		Code:    CodeExternalDependency,
		Message: fmt.Sprintf("External API error (%s): %s", service, message),
		Err:     err,
	}
	if upstreamStatus != 0 {
		e.withDetail("status", upstreamStatus)
	}
	return e
}

func ServiceUnavailable(service string) *Error {
	if service == "" {
		service = "Service"
	}
	return &Error{Code: CodeServiceUnavailable, Message: service + " is currently unavailable"}
}

func GatewayTimeout(service string) *Error {
	if service == "" {
		service = "Upstream service"
	}
	return &Error{Code: CodeGatewayTimeout, Message: service + " timeout"}
}

func Internal(message string, err error) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// Is reports whether err is (or wraps) an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// RetryAfter extracts the retry-after hint from a rate-limit error, or 0.
func RetryAfter(err error) int {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return 0
	}
	if v, ok := e.Details["retryAfter"].(int); ok {
		return v
	}
	return 0
}
