package kgo

import "github.com/twmb/franz-go/pkg/kmsg"

// call is the central entity of spec.md §3: one instance per
// user-initiated attempt-chain. Per spec.md §9's language-neutral
// rendering, behavior lives in four function values rather than in
// subclasses.
//
// All fields below are touched only by the Worker goroutine once the
// call has left the submission queue; nothing here needs its own lock.
type call struct {
	name     string
	internal bool

	deadlineMs int64

	selector NodeSelector

	tries           int
	downgrades      int
	nextAllowedTryMs int64

	currentNode Node
	hasNode     bool

	aborted bool
	// abortErr is the TimeoutException recorded at abort time
	// (spec.md §4.1 step 3); it is delivered once the aborted call's
	// connection disconnect surfaces as a response.
	abortErr error

	corrID int32 // valid only while in-flight

	createRequest        func(timeoutMs int32) (kmsg.Request, error)
	onResponse           func(resp kmsg.Response) error
	onFailure            func(err error)
	onUnsupportedVersion func(err *UnsupportedVersionError) bool // nil if the call cannot downgrade

	// The Worker finishes a call without knowing its facade-level
	// result type: the facade closes over its own typed Future inside
	// onResponse/onFailure.
}

// newCall builds the common shell every facade factory fills in. It
// does not submit itself; callers pass the result to Worker.Submit.
func newCall(name string, deadlineMs int64, selector NodeSelector) *call {
	return &call{
		name:       name,
		deadlineMs: deadlineMs,
		selector:   selector,
	}
}

// remainingMs computes the attempt timeout per spec.md §4.3: the
// deadline minus now, floored at zero and clamped to a 32-bit range so
// it can be handed straight to a wire-level request timeout field.
func remainingMs(deadlineMs, nowMs int64) int32 {
	d := deadlineMs - nowMs
	if d < 0 {
		d = 0
	}
	const max32 = int64(1)<<31 - 1
	if d > max32 {
		d = max32
	}
	return int32(d)
}
