package kgo

import "github.com/twmb/franz-go/pkg/kmsg"

// OutboundRequest is everything the NetworkClient needs to send a
// request: the destination, the wire-level body, and the per-attempt
// timeout the Worker computed from the Call's remaining deadline
// (spec.md §4.3's max(0, deadlineMs-now), already clamped).
type OutboundRequest struct {
	Node        Node
	CorrID      int32
	Body        kmsg.Request
	TimeoutMs   int32
	EnqueuedAtMs int64
}

// ResponseKind tags what a ClientResponse is carrying, per spec.md §6:
// a normal body, a version-mismatch marker, or a disconnection marker.
type ResponseKind uint8

const (
	RespNormal ResponseKind = iota
	RespVersionMismatch
	RespDisconnected
)

// ClientResponse is one item of the batch NetworkClient.Poll returns.
type ClientResponse struct {
	CorrID      int32
	Destination int32
	Kind        ResponseKind
	Body        kmsg.Response // valid only when Kind == RespNormal
	Err         error         // RespDisconnected: the raw cause, when known; RespVersionMismatch: the *UnsupportedVersionError
}

// NetworkClient is the external collaborator specified in spec.md §6.
// The Worker only ever calls this interface; brokerNetworkClient
// (network_broker.go) is SPEC_FULL's one concrete implementation,
// grounded in the teacher's broker.go connection machinery.
type NetworkClient interface {
	// Ready reports whether node is connected (or connectable quickly
	// enough) to accept a send right now.
	Ready(node Node, nowMs int64) bool

	// PollDelayMs reports how long until node is expected to become
	// ready, for Worker's poll-timeout computation (spec.md §4.1 step 7).
	PollDelayMs(node Node, nowMs int64) int64

	// Send enqueues req for writing to its destination node. It does
	// not block on the network; failures surface later as a
	// RespDisconnected ClientResponse.
	Send(req OutboundRequest)

	// Poll blocks for up to timeoutMs waiting for at least one
	// response, or returns immediately with whatever has already
	// completed. Poll is the sole blocking point in the Worker
	// (spec.md §5).
	Poll(timeoutMs int64, nowMs int64) []ClientResponse

	// LeastLoadedNode returns the known node with the fewest
	// outstanding in-flight requests, used by the LeastLoaded and
	// MetadataBootstrap selectors.
	LeastLoadedNode() (Node, bool)

	// Disconnect force-closes the connection to nodeID, used both for
	// the spec.md §4.1 step 3 abort-by-disconnect mechanism and for
	// reacting to unknown-correlation-id protocol corruption.
	Disconnect(nodeID int32)

	// Wakeup guarantees a concurrent or subsequent Poll call returns
	// promptly; it is how external submitters and Close reach into a
	// blocked Worker.
	Wakeup()

	// AuthenticationError reports a stored authentication failure for
	// node, if any occurred during connection setup.
	AuthenticationError(nodeID int32) error

	// ConnectionFailed reports whether node's connection has been
	// observed to fail since the Worker last checked, used by Worker
	// step 9 to requeue unsent Calls from a dead node's send queue.
	ConnectionFailed(nodeID int32) bool

	// Close tears down every connection. Called once, after the
	// Worker's loop has exited during shutdown drain.
	Close()
}
