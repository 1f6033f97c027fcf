// Package host is the agent host runtime: the HTTP dispatcher, the
// signature/trust gate, and the WebSocket pump that streams agent events to
// clients.
package host

import (
	"net/http"
	"strings"
)

// Error categories. Every user-visible error string starts with one of these
// prefixes; the HTTP layer maps them to status codes and the WS layer wraps
// them in ERROR messages.
const (
	CatUnauthorized = "unauthorized"
	CatForbidden    = "forbidden"
	CatBadRequest   = "bad request"
	CatNotFound     = "not found"
	CatInternal     = "internal"
)

// Error is a category-prefixed user-visible error.
type Error struct {
	Category string
	Message  string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Category
	}
	return e.Category + ": " + e.Message
}

func unauthorized(msg string) *Error { return &Error{Category: CatUnauthorized, Message: msg} }
func forbidden(msg string) *Error    { return &Error{Category: CatForbidden, Message: msg} }

// StatusFor maps an error to its HTTP status code by category prefix.
func StatusFor(err error) int {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, CatUnauthorized):
		return http.StatusUnauthorized
	case strings.HasPrefix(msg, CatForbidden):
		return http.StatusForbidden
	case strings.HasPrefix(msg, CatBadRequest):
		return http.StatusBadRequest
	case strings.HasPrefix(msg, CatNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
