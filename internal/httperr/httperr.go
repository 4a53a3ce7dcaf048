// Package httperr carries HTTP status semantics across layers. Components
// below the HTTP surface return tagged errors; only the handlers translate
// them into status codes and the JSON error envelope.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error tagged with the status the HTTP boundary should emit.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// New returns a tagged error with the given status and detail.
func New(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

// Errorf returns a tagged error with a formatted detail message.
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Detail: fmt.Sprintf(format, args...)}
}

// StatusOf returns the tagged status, or 500 for untagged errors.
func StatusOf(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Status
	}
	return http.StatusInternalServerError
}

// DetailOf returns the client-facing detail for err. Untagged errors get
// the generic unexpected-error prefix so internals stay consistent with
// the tagged taxonomy.
func DetailOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Detail
	}
	return fmt.Sprintf("Unexpected error: %v", err)
}
