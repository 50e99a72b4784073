package kgo

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

// Sentinel and parameterized errors for conditions the core itself
// detects, named the way the teacher names its own (ErrConnDead,
// ErrBrokerTooOld, ...) rather than through a generic error code.
var (
	// ErrCorrelationIDUnknown is logged and the offending connection is
	// disconnected; it is never returned to a caller.
	ErrCorrelationIDUnknown = errors.New("response had a correlation id we never issued")

	errUnknownSelector = errors.New("node selector has an unrecognized kind")

	// errUnexpectedResponseType is the cause wrapped into an InternalError
	// when a call's onResponse is handed a kmsg.Response of a different
	// concrete type than it expects; it should only ever happen if a
	// wire key/version mapping was recorded incorrectly.
	errUnexpectedResponseType = errors.New("response was not of the expected type for this call")
)

// TimeoutError is the terminal error delivered when a Call's deadline
// passes without a successful response, or (wrapping a ShutdownError)
// when the hard shutdown deadline trips with Calls still outstanding.
type TimeoutError struct {
	Call  string
	Cause error // the error the timeout subsumed, if any: an aborted call's failure, or a shutdown drain's ShutdownError
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: timed out waiting for a response: %v", e.Call, e.Cause)
	}
	return fmt.Sprintf("%s: timed out waiting for a response", e.Call)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ShutdownError is the Cause wrapped into the TimeoutError delivered to
// every Call still outstanding when the client's hard shutdown deadline
// trips during Close's drain, and the synchronous error Submit returns
// once the submission queue has been sealed.
type ShutdownError struct{ Call string }

func (e *ShutdownError) Error() string {
	if e.Call == "" {
		return "client is shutting down, cannot accept new calls"
	}
	return e.Call + ": client shut down before a response arrived"
}

// DisconnectError reports that the connection carrying a Call's
// request was closed before a response arrived, whether by the peer,
// by the network, or by the Worker itself aborting an overdue call.
type DisconnectError struct {
	NodeID int32
	Aborted bool
}

func (e *DisconnectError) Error() string {
	if e.Aborted {
		return fmt.Sprintf("connection to node %d was closed after its call was aborted for exceeding its deadline", e.NodeID)
	}
	return fmt.Sprintf("connection to node %d was closed before a response arrived", e.NodeID)
}

// AuthenticationError reports that the connection carrying a Call's
// request was torn down because SASL authentication to its node
// failed, as opposed to an ordinary network disconnect. It is always
// terminal: re-sending the same request to the same broker will not
// succeed without new credentials.
type AuthenticationError struct {
	NodeID int32
	Cause  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("node %d: authentication failed: %v", e.NodeID, e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// UnsupportedVersionError reports that a broker rejected the version
// of a request we sent.
type UnsupportedVersionError struct {
	Key     int16
	Version int16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("broker does not support version %d of request key %d", e.Version, e.Key)
}

// InternalError wraps a failure the core itself caused (a malformed
// response, a request that failed to materialize, an unknown
// correlation id) rather than one the network or the broker produced.
// It is always non-retriable.
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error during %s: %v", e.Op, e.Cause) }
func (e *InternalError) Unwrap() error { return e.Cause }

// kerrFromCode turns a wire error code embedded in an administrative
// response into a Go error, the way every facade function in
// admin_*.go reports a per-resource result. kerr.ErrorForCode already
// returns nil for code 0, so callers never need their own zero check.
func kerrFromCode(code int16) error { return kerr.ErrorForCode(code) }

// retriable reports whether err should be retried by the §4.3 failure
// handler, given that the caller has already special-cased Timeout,
// Shutdown, and UnsupportedVersion (none of those should reach this
// function in normal control flow, but it degrades safely if they do).
func retriable(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	var se *ShutdownError
	var ie *InternalError
	var ae *AuthenticationError
	switch {
	case errors.As(err, &te), errors.As(err, &se), errors.As(err, &ie), errors.As(err, &ae):
		return false
	}
	var de *DisconnectError
	if errors.As(err, &de) {
		return true
	}
	var uve *UnsupportedVersionError
	if errors.As(err, &uve) {
		return true // caller decides via onUnsupportedVersion first; this is the fallback path
	}
	// Anything else is assumed to have come from the wire protocol
	// layer (kmsg/kerr) or from a Call's onResponse rethrowing a
	// controller/coordinator-moved error built from kerr codes.
	return kerr.IsRetriable(err)
}
