// Package streamerr defines the error taxonomy shared by the fetchers, the
// prefetch scheduler and the playback session.
package streamerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable classification of a failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidSource
	EmptySource
	UnrecognizedFormat
	OriginError
	Timeout
	Cancelled
	NetworkFault
	MediaFault
	BrowserPolicyBlocked
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case InvalidSource:
		return "invalid_source"
	case EmptySource:
		return "empty_source"
	case UnrecognizedFormat:
		return "unrecognized_format"
	case OriginError:
		return "origin_error"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case NetworkFault:
		return "network_fault"
	case MediaFault:
		return "media_fault"
	case BrowserPolicyBlocked:
		return "browser_policy_blocked"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation and URL that produced it.
// Status is only set for OriginError.
type Error struct {
	Kind   Kind
	Status int
	Op     string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == OriginError && e.Status != 0 {
		msg = fmt.Sprintf("%s{%d}", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Status when the target sets one,
// so errors.Is(err, ErrTimeout) works for any Timeout error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Status == 0 || t.Status == e.Status
}

// Sentinels for errors.Is.
var (
	ErrInvalidSource        = &Error{Kind: InvalidSource}
	ErrEmptySource          = &Error{Kind: EmptySource}
	ErrUnrecognizedFormat   = &Error{Kind: UnrecognizedFormat}
	ErrOrigin               = &Error{Kind: OriginError}
	ErrTimeout              = &Error{Kind: Timeout}
	ErrCancelled            = &Error{Kind: Cancelled}
	ErrNetworkFault         = &Error{Kind: NetworkFault}
	ErrMediaFault           = &Error{Kind: MediaFault}
	ErrBrowserPolicyBlocked = &Error{Kind: BrowserPolicyBlocked}
)

// New returns an *Error of the given kind.
func New(kind Kind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// Origin returns an OriginError for a non-2xx response.
func Origin(op, url string, status int) *Error {
	return &Error{Kind: OriginError, Status: status, Op: op, URL: url}
}

// KindOf extracts the Kind of err. Context errors that escaped without being
// wrapped are classified as Cancelled or Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Unknown
}

// StatusOf returns the origin status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// FromContext classifies a failed request made under ctx. parent is the
// caller's context: if it is done the caller cancelled, otherwise the failure
// came from the request's own deadline or the transport.
func FromContext(parent, ctx context.Context, op, url string, err error) *Error {
	switch {
	case parent.Err() != nil:
		return New(Cancelled, op, url, parent.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return New(Timeout, op, url, ctx.Err())
	default:
		return New(NetworkFault, op, url, err)
	}
}

// UserMessage renders err as a single human-readable sentence.
func UserMessage(err error) string {
	switch KindOf(err) {
	case InvalidSource:
		return "This track has an invalid source."
	case EmptySource:
		return "The stream source is empty."
	case UnrecognizedFormat:
		return "The stream format is not supported."
	case OriginError:
		switch status := StatusOf(err); {
		case status == http.StatusNotFound:
			return "Audio source not found."
		case status == http.StatusForbidden || status == http.StatusUnauthorized:
			return "Access to this audio source was denied."
		case status >= 500:
			return "The audio server is having trouble. Please try again later."
		default:
			return fmt.Sprintf("The audio server responded with status %d.", status)
		}
	case Timeout:
		return "The audio server took too long to respond."
	case Cancelled:
		return "Playback was cancelled."
	case NetworkFault:
		return "Network connection lost. Unable to load audio."
	case MediaFault:
		return "The audio could not be decoded."
	case BrowserPolicyBlocked:
		return "Playback requires a user gesture. Press play to start."
	default:
		return "Playback failed unexpectedly."
	}
}
