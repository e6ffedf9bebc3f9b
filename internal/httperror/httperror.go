// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package httperror defines typed errors that carry an HTTP status code.
//
// Registry, generation, and sandbox operations return these errors; the
// HTTP layer projects them into status codes and {"detail": ...} bodies.
package httperror

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusCancelled is the non-standard status used for cancelled downloads.
const StatusCancelled = 499

// Error is an error with an associated HTTP status code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New creates an Error with the given status code.
func New(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a 400 error for malformed or rejected input.
func Validation(format string, args ...any) *Error {
	return New(http.StatusBadRequest, format, args...)
}

// Unauthorized returns a 401 error for missing or wrong API tokens.
func Unauthorized(format string, args ...any) *Error {
	return New(http.StatusUnauthorized, format, args...)
}

// Forbidden returns a 403 error. Used both for upstream hub access denials
// and for sandbox path violations.
func Forbidden(format string, args ...any) *Error {
	return New(http.StatusForbidden, format, args...)
}

// NotFound returns a 404 error.
func NotFound(format string, args ...any) *Error {
	return New(http.StatusNotFound, format, args...)
}

// Conflict returns a 409 error for wrong-state or concurrent-duplicate cases.
func Conflict(format string, args ...any) *Error {
	return New(http.StatusConflict, format, args...)
}

// Cancelled returns a 499 error. Only ever surfaced through progress records.
func Cancelled(format string, args ...any) *Error {
	return New(StatusCancelled, format, args...)
}

// Upstream returns a 502 error for model hub transport failures.
func Upstream(format string, args ...any) *Error {
	return New(http.StatusBadGateway, format, args...)
}

// NotLoaded returns a 503 error for generation requests without a model.
func NotLoaded(format string, args ...any) *Error {
	return New(http.StatusServiceUnavailable, format, args...)
}

// Timeout returns a 504 error for subprocess wall-clock expiry.
func Timeout(format string, args ...any) *Error {
	return New(http.StatusGatewayTimeout, format, args...)
}

// StatusOf extracts the HTTP status code from err, defaulting to 500
// for errors that carry no code.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return http.StatusInternalServerError
}
