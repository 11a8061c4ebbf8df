/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs defines the error taxonomy shared across the service.
//
// Every failure that crosses a package boundary is classified by wrapping
// one of the kind sentinels below, so callers can branch with errors.Is and
// the HTTP layer can map kinds to status codes without inspecting strings.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks caller mistakes: unknown action, malformed
	// period, missing required fields.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks lookups for rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited marks requests rejected by a rate-limit window.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen marks calls rejected fast by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrUpstreamUnavailable marks connection-level failures reaching the
	// collection service.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout marks upstream calls that exceeded their deadline,
	// including rendezvous waits that never saw a terminal payload.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamError marks non-2xx upstream responses and malformed
	// upstream payloads.
	ErrUpstreamError = errors.New("upstream error")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a kind sentinel while preserving the original
// chain for errors.Is / errors.As.
func Wrap(kind error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// HTTPStatus maps an error to the response status the HTTP surface returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable code used in JSON error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstreamError):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
