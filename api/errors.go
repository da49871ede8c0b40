package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport wraps failures to reach the service at all (DNS, refused
	// connections, timeouts). These are retryable for reads.
	ErrTransport = errors.New("api: transport failure")

	// ErrMalformedResponse indicates a response that could not be decoded or
	// lacked the data field. Callers treat it like an authorization failure.
	ErrMalformedResponse = errors.New("api: malformed response")

	// ErrInvalidRequest is returned before any network call when a request
	// body fails client-side validation.
	ErrInvalidRequest = errors.New("api: invalid request")

	// ErrUnauthorized matches a *StatusError carrying HTTP 401.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrForbidden matches a *StatusError carrying HTTP 403.
	ErrForbidden = errors.New("api: forbidden")
	// ErrNotFound matches a *StatusError carrying HTTP 404.
	ErrNotFound = errors.New("api: not found")
)

// StatusError is a non-2xx response. Message holds the envelope message when
// the server sent one.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is match the status sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// IsRetryable reports whether a read that failed with err may be retried:
// transport failures and 5xx responses.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError
	}
	return false
}

// IsAuthFailure reports whether err means the resource is unavailable to the
// current identity.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrMalformedResponse)
}

// Message returns the human-readable part of err: the server's envelope
// message when there is one, otherwise the error text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// ActionError is a failed write, named after the user-facing action.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return e.Action + " failed: " + Message(e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Action wraps err as an *ActionError unless it is nil.
func Action(action string, err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Action: action, Err: err}
}
