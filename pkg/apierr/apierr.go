package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a terminal request failure.
type Kind string

const (
	MalformedCredentials Kind = "MALFORMED_CREDENTIALS"
	UnknownCredentials   Kind = "UNKNOWN_CREDENTIALS"
	MalformedResourceID  Kind = "MALFORMED_RESOURCE_ID"
	ResourceNotFound     Kind = "RESOURCE_NOT_FOUND"
	MissingResource      Kind = "MISSING_RESOURCE"
	Forbidden            Kind = "FORBIDDEN"
	UnknownDataStream    Kind = "UNKNOWN_DATA_STREAM"
	UnknownParticipant   Kind = "UNKNOWN_PARTICIPANT"
	MalformedTimestamp   Kind = "MALFORMED_TIMESTAMP"
	MalformedManifest    Kind = "MALFORMED_MANIFEST"
	UnsupportedFormat    Kind = "UNSUPPORTED_FORMAT"
	RateLimited          Kind = "RATE_LIMITED"
	Unavailable          Kind = "UNAVAILABLE"
	UnexpectedFailure    Kind = "UNEXPECTED_FAILURE"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrMalformedCredentials = &Error{Kind: MalformedCredentials}
	ErrUnknownCredentials   = &Error{Kind: UnknownCredentials}
	ErrMalformedResourceID  = &Error{Kind: MalformedResourceID}
	ErrResourceNotFound     = &Error{Kind: ResourceNotFound}
	ErrMissingResource      = &Error{Kind: MissingResource}
	ErrForbidden            = &Error{Kind: Forbidden}
	ErrUnknownDataStream    = &Error{Kind: UnknownDataStream}
	ErrUnknownParticipant   = &Error{Kind: UnknownParticipant}
	ErrMalformedTimestamp   = &Error{Kind: MalformedTimestamp}
	ErrMalformedManifest    = &Error{Kind: MalformedManifest}
	ErrUnsupportedFormat    = &Error{Kind: UnsupportedFormat}
	ErrRateLimited          = &Error{Kind: RateLimited}
	ErrUnavailable          = &Error{Kind: Unavailable}
	ErrUnexpectedFailure    = &Error{Kind: UnexpectedFailure}
)

// Error is a classified failure. Message is safe to show to callers; Cause is not.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Status maps the kind onto the HTTP status class callers observe.
// UnknownCredentials and Forbidden share 403 so existence is not leaked.
func (e *Error) Status() int {
	return StatusOf(e.Kind)
}

func StatusOf(kind Kind) int {
	switch kind {
	case MalformedCredentials, MalformedResourceID, MissingResource, MalformedTimestamp, MalformedManifest, UnsupportedFormat:
		return http.StatusBadRequest
	case UnknownCredentials, Forbidden:
		return http.StatusForbidden
	case ResourceNotFound, UnknownDataStream, UnknownParticipant:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the kind of err; unclassified errors are UnexpectedFailure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnexpectedFailure
}

// PublicMessage is the caller-facing text for err. Unclassified errors never leak detail.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "unexpected failure"
}
