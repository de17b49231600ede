// Package fault carries the error taxonomy shared by the API service and
// the worker. Every failure that crosses a package boundary is wrapped
// with a Kind; the API maps kinds to HTTP statuses and the worker maps
// them to its retry policy. Unwrapped errors classify as Unexpected,
// which is deliberately non-retryable to avoid retry storms.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// Unexpected is any unclassified failure. 500 to clients, immediate
	// job Failure in the worker.
	Unexpected Kind = iota
	// NotFound marks an absent resource. 404.
	NotFound
	// InvalidRequest marks a validation or content-type rejection at the
	// API boundary. 422 or 415.
	InvalidRequest
	// InvalidPayload marks a parser or content error discovered during
	// processing. Non-retryable.
	InvalidPayload
	// StorageUnavailable marks object-store I/O failure. Transient.
	StorageUnavailable
	// DBUnavailable marks metadata-store failure. Transient.
	DBUnavailable
	// QueueUnavailable marks a broker publish/consume failure. Transient.
	QueueUnavailable
	// Conflict marks a CAS state-transition failure. Handled locally,
	// never surfaced to clients.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidRequest:
		return "invalid_request"
	case InvalidPayload:
		return "invalid_payload"
	case StorageUnavailable:
		return "storage_unavailable"
	case DBUnavailable:
		return "db_unavailable"
	case QueueUnavailable:
		return "queue_unavailable"
	case Conflict:
		return "conflict"
	default:
		return "unexpected"
	}
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Cause.Error()
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a classified error with a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
// A nil cause returns nil.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// (including nil-adjacent misuse) report Unexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}

// Retryable reports whether the worker may retry after this error.
// Only the three transient infrastructure kinds qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case StorageUnavailable, DBUnavailable, QueueUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps an error chain to the status code the API returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case InvalidRequest, InvalidPayload:
		return http.StatusUnprocessableEntity
	case StorageUnavailable, DBUnavailable, QueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
