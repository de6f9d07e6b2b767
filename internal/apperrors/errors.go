// Package apperrors classifies the error kinds this core produces behind a
// single wrapping type: a Kind/Code enum plus one constructor-driven
// struct, re-scoped from HTTP business errors to the protocol-level kinds
// this module actually returns.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies the cause of an Error.
type Kind string

const (
	// KindNetwork is a transient I/O failure; callers may retry.
	KindNetwork Kind = "NETWORK"

	// KindNetworkTimeout means the peer is presumed gone: subscriptions
	// publishing to it are dropped, XML fetches abandon the device.
	KindNetworkTimeout Kind = "NETWORK_TIMEOUT"

	// KindParse covers malformed SSDP datagrams or description XML; the
	// input is logged and discarded with no state change.
	KindParse Kind = "PARSE_ERROR"

	// KindSubscriptionExpired is returned by Renew after the subscription
	// has already been removed.
	KindSubscriptionExpired Kind = "SUBSCRIPTION_EXPIRED"

	// KindResourceExhausted covers out-of-descriptor conditions on
	// listener creation; propagates to the device-enable caller.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
)

// Error wraps an underlying cause with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// ErrSubscriptionNotFound is returned internally when a SID lookup misses;
// wrapped into a KindSubscriptionExpired *Error at the API boundary.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrStopped is returned by an in-flight operation that observed a sticky
// stop/cancellation flag.
var ErrStopped = errors.New("stopped")

// Assert panics with a diagnostic message if cond is false. Reserved for
// invariant violations that represent programmer error — never returned
// as an error.
func Assert(cond bool, msg string) {
	if !cond {
		panic("upnp-core: invariant violation: " + msg)
	}
}
