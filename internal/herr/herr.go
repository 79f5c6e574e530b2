// Package herr defines the closed set of error kinds the Hive core raises
// and a single responder that turns them into the JSON error envelope used
// across the REST surface.
package herr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Kind is one of the error kinds from the error handling design.
type Kind string

const (
	BadRequest      Kind = "bad_request"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	PayloadTooLarge Kind = "payload_too_large"
	TooManyRequests Kind = "too_many_requests"
	BadGateway      Kind = "bad_gateway"
	Internal        Kind = "internal"
)

var statusByKind = map[Kind]int{
	BadRequest:      http.StatusBadRequest,
	Unauthorized:    http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	PayloadTooLarge: http.StatusRequestEntityTooLarge,
	TooManyRequests: http.StatusTooManyRequests,
	BadGateway:      http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
}

// Error is a typed error carrying an HTTP status and a short user-facing
// message, following the error handling design's kind taxonomy.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, returning ok=false if err is not (or does
// not wrap) one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// envelope is the wire shape of every error response body.
type envelope struct {
	Error string `json:"error"`
}

// WriteError writes err as the standard {"error": "..."} JSON envelope with
// the appropriate status code. Unknown error types are logged and reported
// as 500 Internal without leaking details to the client.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	he, ok := As(err)
	if !ok {
		if logger != nil {
			logger.Error("unhandled error reached REST boundary", "error", err)
		}
		he = &Error{Kind: Internal, Message: "internal error"}
	}
	if he.Kind == Internal && logger != nil {
		logger.Error("internal error", "error", he.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.Status())
	_ = json.NewEncoder(w).Encode(envelope{Error: he.Message})
}
