// Package faults maps any raised error onto a closed taxonomy of fault
// kinds. The kind, not the concrete error, drives retry and surfacing
// policy: network-shaped faults may be retried, credential faults never
// are, and everything else is surfaced as-is.
package faults

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Kind is a classification bucket used to decide retry and surfacing
// policy. The set is closed.
type Kind int

const (
	// KindUnknown covers any 4xx other than 401/403 and any fault the
	// classifier could not place.
	KindUnknown Kind = iota
	// KindInvalidCredentials is an HTTP 401/403 on an auth-intent call.
	// Never retried; always surfaced and triggers full teardown.
	KindInvalidCredentials
	// KindServerError is an HTTP response with status >= 500.
	KindServerError
	// KindNetworkError is a transport failure with no HTTP status at
	// all: connection refused, DNS failure, generic fetch failure.
	KindNetworkError
	// KindTimeout is an explicit cancellation or deadline signal.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// StatusError is an HTTP response with a non-success status code.
// AuthIntent marks responses from credential-bearing calls (login,
// refresh), the only calls where 401/403 may be read as invalid
// credentials.
type StatusError struct {
	Code       int
	Body       string
	AuthIntent bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Fault is a classified error. It wraps its cause so errors.Is and
// errors.As keep working through it.
type Fault struct {
	Kind       Kind
	StatusCode int // zero when no HTTP status was involved
	cause      error
}

func (f *Fault) Error() string {
	if f.cause == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.cause.Error()
}

func (f *Fault) Unwrap() error { return f.cause }

// New wraps err with an explicitly chosen kind.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, cause: err}
}

// Classify places err into the fault taxonomy. Already-classified
// faults pass through unchanged. Classification is conservative for
// errors lacking a status code: it matches lowercase substrings the
// transport is known to emit, and it never guesses invalid credentials
// from text alone, only from an explicit status code.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}

	var status *StatusError
	if errors.As(err, &status) {
		return &Fault{Kind: kindForStatus(status), StatusCode: status.Code, cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Kind: KindTimeout, cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Fault{Kind: KindTimeout, cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline", "abort"):
		return &Fault{Kind: KindTimeout, cause: err}
	case containsAny(msg, "network", "connection", "refused", "no such host", "dial", "unreachable", "broken pipe", "reset by peer"):
		return &Fault{Kind: KindNetworkError, cause: err}
	}

	return &Fault{Kind: KindUnknown, cause: err}
}

func kindForStatus(status *StatusError) Kind {
	switch {
	case status.Code >= 500:
		return KindServerError
	case (status.Code == 401 || status.Code == 403) && status.AuthIntent:
		return KindInvalidCredentials
	default:
		return KindUnknown
	}
}

// KindOf returns the classified kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}

// Retryable reports whether err is worth retrying. Only network-shaped
// faults qualify: a rejected credential or a stale refresh token will
// not become valid by retrying.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkError, KindTimeout:
		return true
	default:
		return false
	}
}

// Message returns the human-readable message for err's fault kind,
// suitable for surfacing to a user on a login failure.
func Message(err error) string {
	switch KindOf(err) {
	case KindInvalidCredentials:
		return "Invalid username or password."
	case KindServerError:
		return "The server encountered an error. Please try again later."
	case KindNetworkError:
		return "Unable to reach the server. Check your connection and try again."
	case KindTimeout:
		return "The request timed out. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
