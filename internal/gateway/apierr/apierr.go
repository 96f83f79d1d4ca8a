// Package apierr defines the gateway's error taxonomy and its mapping onto
// HTTP status codes and WebSocket close semantics.
//
// Pipeline stages return errors wrapping one of the Kind sentinels below;
// adapters call Status/Detail at the edge to serialize a client-safe body.
// Client-facing messages never include stack traces or internal identifiers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels. Wrap them with context using E, match with errors.Is.
var (
	// ErrSecurity: the security filter rejected the request.
	ErrSecurity = errors.New("security violation")
	// ErrAuthentication: token/key invalid, expired, or revoked.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization: identity lacks permission for the action.
	ErrAuthorization = errors.New("authorization denied")
	// ErrRateLimit: the client's token bucket is empty.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrValidation: the payload fails its schema.
	ErrValidation = errors.New("validation failed")
	// ErrNoRoute: no topic mapping matches the request.
	ErrNoRoute = errors.New("no route for topic")
	// ErrMessageTooLarge: serialized envelope exceeds the configured max.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTimeout: no response within the router deadline.
	ErrTimeout = errors.New("request timeout")
	// ErrPublishFailed: the bus publish failed.
	ErrPublishFailed = errors.New("publish failed")
	// ErrConnectFailed: the bus client cannot reach the broker.
	ErrConnectFailed = errors.New("broker connect failed")
	// ErrShuttingDown: the gateway is draining; no new work is accepted.
	ErrShuttingDown = errors.New("server shutting down")
)

// E wraps a kind sentinel with a human-readable detail message. The detail is
// what clients see; keep it free of internal identifiers.
func E(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

// Status maps an error to the HTTP status code the REST adapter returns.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrSecurity):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrPublishFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrConnectFailed), errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns the client-safe message for an error. Internal errors are
// collapsed to a generic line; everything else surfaces its own text.
func Detail(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

// IsClientFault reports whether the error is attributable to the client
// (4xx) rather than the gateway or its backends.
func IsClientFault(err error) bool {
	s := Status(err)
	return s >= 400 && s < 500
}
