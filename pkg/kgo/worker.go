package kgo

import (
	"sync"
	"time"
)

// Worker is the single goroutine that owns every piece of mutable
// dispatch state: the pending set, the per-node send queues, and the
// in-flight registry. Everything it touches past drainSubmissions is
// only ever read or written from the Worker's own goroutine; the only
// cross-goroutine surface is subQueue/sealed/hardDeadlineMs, guarded by
// subMu, and the NetworkClient/MetadataManager collaborators, which are
// safe for concurrent use by construction.
//
// This mirrors the teacher's own split between broker.go's
// per-connection goroutines (handled here by NetworkClient) and a
// single coordinating loop, except the teacher has no single loop of
// its own to imitate directly for this shape; the loop below follows
// the client dispatch core's componentry one-for-one instead.
type Worker struct {
	cfg   cfg
	log   Logger
	nc    NetworkClient
	meta  MetadataManager
	clock Clock

	subMu          sync.Mutex
	subQueue       []*call
	sealed         bool
	hardDeadlineMs int64

	pending        *pendingSet
	sendQueues     map[int32][]*call
	sendNode       map[int32]Node
	inflightByCorr map[int32]*call
	inflightByNode map[int32]map[*call]struct{}
	nextCorrID     int32

	done chan struct{}
}

func newWorker(c cfg, log Logger, nc NetworkClient, meta MetadataManager, clock Clock) *Worker {
	return &Worker{
		cfg:            c,
		log:            log,
		nc:             nc,
		meta:           meta,
		clock:          clock,
		pending:        newPendingSet(),
		sendQueues:     map[int32][]*call{},
		sendNode:       map[int32]Node{},
		inflightByCorr: map[int32]*call{},
		inflightByNode: map[int32]map[*call]struct{}{},
		done:           make(chan struct{}),
	}
}

// Submit enqueues a Call for dispatch. It returns a ShutdownError
// synchronously, without ever touching the Worker goroutine, once
// Close has sealed the submission queue.
func (w *Worker) Submit(c *call) error {
	w.subMu.Lock()
	if w.sealed {
		w.subMu.Unlock()
		return &ShutdownError{}
	}
	w.subQueue = append(w.subQueue, c)
	w.subMu.Unlock()
	w.nc.Wakeup()
	return nil
}

// maxCloseWaitMs is the upper clamp on the caller-supplied wait bound
// passed to Close, per spec.md §6's close(maxWaitMs).
const maxCloseWaitMs = 365 * 24 * 3600 * 1000

func clampMaxWaitMs(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > maxCloseWaitMs {
		ms = maxCloseWaitMs
	}
	return ms
}

// Close seals the submission queue, starts (or tightens) the shutdown
// drain countdown, and blocks until the Worker's loop has finished
// failing or completing every outstanding Call. maxWait is clamped to
// [0, 1 year]. Concurrent closers race monotonically-earliest-wins: a
// second call to Close only ever pulls the hard deadline earlier, it
// never pushes an already-sealed deadline back out.
func (w *Worker) Close(maxWait time.Duration) {
	deadline := w.clock.NowMs() + clampMaxWaitMs(maxWait)

	w.subMu.Lock()
	if w.sealed {
		if deadline < w.hardDeadlineMs {
			w.hardDeadlineMs = deadline
		}
		w.subMu.Unlock()
		w.nc.Wakeup()
		<-w.done
		return
	}
	w.sealed = true
	w.hardDeadlineMs = deadline
	w.subMu.Unlock()
	w.nc.Wakeup()
	<-w.done
	w.nc.Close()
	w.meta.Close()
}

// Run drives the dispatch loop until Close has both sealed the queue
// and drained (or force-failed) every outstanding non-internal Call.
// It is meant to be started in its own goroutine by the constructor
// that wires cfg/NetworkClient/MetadataManager together.
func (w *Worker) Run() {
	defer close(w.done)
	for !w.step() {
	}
}

// step runs one iteration of the loop. It implements, in order: drain
// submissions, a shutdown check, timeout evaluation, pending-to-node
// assignment, the metadata refresh tick, draining send queues into the
// NetworkClient, computing a poll timeout, the single blocking Poll,
// reacting to node loss, and dispatching responses. It returns true
// once the Worker should exit: sealed, with nothing non-internal left.
func (w *Worker) step() bool {
	now := w.clock.NowMs()

	w.drainSubmissions()

	if sealed, hardDeadlineMs := w.shutdownState(); sealed {
		if now >= hardDeadlineMs {
			w.failForShutdown()
		}
		if !w.hasOutstandingNonInternal() {
			return true
		}
	}

	w.evaluateTimeouts(now)
	w.assignPending(now)
	w.metadataTick(now)
	w.drainSendQueues(now)

	timeoutMs := w.computePollTimeout(now)
	responses := w.nc.Poll(timeoutMs, now)

	now = w.clock.NowMs()
	w.handleNodeLoss(now)
	w.handleResponses(responses, now)

	return false
}

func (w *Worker) shutdownState() (sealed bool, hardDeadlineMs int64) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	return w.sealed, w.hardDeadlineMs
}

// drainSubmissions moves everything waiting in subQueue into the
// pending set, made eligible immediately, so step 4 can place it on
// its very first pass through this iteration.
func (w *Worker) drainSubmissions() {
	w.subMu.Lock()
	q := w.subQueue
	w.subQueue = nil
	w.subMu.Unlock()
	for _, c := range q {
		c.nextAllowedTryMs = 0
		w.pending.add(c)
	}
}

// hasOutstandingNonInternal reports whether any user-submitted Call
// (as opposed to the Worker's own metadata refresh Call) is still
// pending, queued, or in flight.
func (w *Worker) hasOutstandingNonInternal() bool {
	for _, c := range w.pending.all() {
		if !c.internal {
			return true
		}
	}
	for _, q := range w.sendQueues {
		for _, c := range q {
			if !c.internal {
				return true
			}
		}
	}
	for _, c := range w.inflightByCorr {
		if !c.internal {
			return true
		}
	}
	return false
}

// evaluateTimeouts is step 3: it finds every Call whose deadline has
// passed. A Call not yet sent anywhere is failed immediately. A Call
// already in flight is instead marked aborted and its connection is
// torn down, so the eventual disconnect response runs through the
// ordinary failure path and is reported as a Timeout rather than a
// Disconnect.
func (w *Worker) evaluateTimeouts(nowMs int64) {
	for _, c := range w.pending.all() {
		if nowMs > c.deadlineMs {
			w.pending.remove(c)
			w.deliverTerminal(c, &TimeoutError{Call: c.name})
		}
	}

	for nodeID, q := range w.sendQueues {
		kept := q[:0]
		for _, c := range q {
			if nowMs > c.deadlineMs {
				w.deliverTerminal(c, &TimeoutError{Call: c.name})
				continue
			}
			kept = append(kept, c)
		}
		w.sendQueues[nodeID] = kept
	}

	for _, c := range w.inflightByCorr {
		if nowMs > c.deadlineMs && !c.aborted {
			c.aborted = true
			c.abortErr = &TimeoutError{Call: c.name}
			w.nc.Disconnect(c.currentNode.ID)
		}
	}
}

// assignPending is step 4: every Call whose backoff has elapsed is
// handed to its NodeSelector. A Call the selector could not place (no
// ready metadata, no matching node) goes back into the pending set
// with a short, fixed re-check delay rather than being retried
// instantly, so a cluster with no metadata yet cannot spin the loop.
func (w *Worker) assignPending(nowMs int64) {
	for {
		c, ok := w.pending.popEligible(nowMs)
		if !ok {
			return
		}
		node, placed, err := c.selector.choose(w.meta, w.nc, nowMs)
		if err != nil {
			w.deliverTerminal(c, err)
			continue
		}
		if !placed {
			c.nextAllowedTryMs = nowMs + w.cfg.retryBackoffMs
			w.pending.add(c)
			continue
		}
		c.currentNode = node
		c.hasNode = true
		w.sendNode[node.ID] = node
		w.sendQueues[node.ID] = append(w.sendQueues[node.ID], c)
	}
}

// metadataTick is step 5: when the MetadataManager reports a refresh
// is due, the Worker builds and enqueues its own internal metadata
// Call directly into the pending set, bypassing Submit (which is for
// external callers only and would reject it once sealed).
func (w *Worker) metadataTick(nowMs int64) {
	if w.meta.MetadataFetchDelayMs(nowMs) > 0 {
		return
	}
	w.meta.TransitionToUpdatePending(nowMs)
	w.pending.add(w.newMetadataRefreshCall(nowMs))
}

// drainSendQueues is step 6: for every node with queued Calls and a
// NetworkClient that reports ready, every queued Call is materialized
// into a wire request, assigned the next global correlation id, and
// handed to the NetworkClient. A materialization failure (the Call's
// createRequest itself returning an error) is routed through the same
// failure handler as a wire-level failure, since from the retry
// policy's point of view it is just another attempt that did not
// succeed.
func (w *Worker) drainSendQueues(nowMs int64) {
	for nodeID, q := range w.sendQueues {
		if len(q) == 0 {
			continue
		}
		node := w.sendNode[nodeID]
		if !w.nc.Ready(node, nowMs) {
			continue
		}
		for _, c := range q {
			timeoutMs := remainingMs(c.deadlineMs, nowMs)
			req, err := c.createRequest(timeoutMs)
			if err != nil {
				w.routeFailure(c, &InternalError{Op: "materialize request", Cause: err}, nowMs)
				continue
			}
			corrID := w.nextCorrID
			w.nextCorrID++
			c.corrID = corrID
			w.inflightByCorr[corrID] = c
			if w.inflightByNode[nodeID] == nil {
				w.inflightByNode[nodeID] = map[*call]struct{}{}
			}
			w.inflightByNode[nodeID][c] = struct{}{}
			w.nc.Send(OutboundRequest{
				Node:         node,
				CorrID:       corrID,
				Body:         req,
				TimeoutMs:    timeoutMs,
				EnqueuedAtMs: nowMs,
			})
		}
		w.sendQueues[nodeID] = nil
	}
}

// computePollTimeout is step 7: the soonest reason the loop would ever
// need to wake up on its own, clamped to the configured safety
// ceiling and, while shutting down, to whatever remains of the hard
// shutdown deadline.
func (w *Worker) computePollTimeout(nowMs int64) int64 {
	best := w.cfg.safetyPollCeilingMs

	if due, ok := w.pending.nextEligibleMs(); ok {
		if rem := due - nowMs; rem < best {
			best = rem
		}
	}
	for nodeID, q := range w.sendQueues {
		if len(q) == 0 {
			continue
		}
		if d := w.nc.PollDelayMs(w.sendNode[nodeID], nowMs); d < best {
			best = d
		}
	}
	if d := w.meta.MetadataFetchDelayMs(nowMs); d < best {
		best = d
	}
	if due, ok := w.nextDeadlineMs(); ok {
		if rem := due - nowMs; rem < best {
			best = rem
		}
	}
	if sealed, hardDeadlineMs := w.shutdownState(); sealed {
		if rem := hardDeadlineMs - nowMs; rem < best {
			best = rem
		}
	}
	if best < 0 {
		best = 0
	}
	return best
}

// nextDeadlineMs reports the soonest deadline across every Call the
// Worker currently holds, regardless of which set it occupies, so the
// loop wakes up in time to run evaluateTimeouts promptly rather than
// discovering an expired Call only after some unrelated event.
func (w *Worker) nextDeadlineMs() (int64, bool) {
	var best int64
	found := false
	consider := func(ms int64) {
		if !found || ms < best {
			best, found = ms, true
		}
	}
	for _, c := range w.pending.all() {
		consider(c.deadlineMs)
	}
	for _, q := range w.sendQueues {
		for _, c := range q {
			consider(c.deadlineMs)
		}
	}
	for _, c := range w.inflightByCorr {
		consider(c.deadlineMs)
	}
	return best, found
}

// handleNodeLoss is step 9: a Call already handed to the NetworkClient
// surfaces its own failure as a disconnected response, but a Call
// still waiting in a send queue for a node whose connection just died
// has nothing else to push it along; this requeues it straight back
// into the pending set so assignPending gives it another chance (at a
// node, not necessarily the same one) on the very next iteration.
func (w *Worker) handleNodeLoss(nowMs int64) {
	for nodeID, q := range w.sendQueues {
		if len(q) == 0 {
			continue
		}
		if !w.nc.ConnectionFailed(nodeID) {
			continue
		}
		for _, c := range q {
			c.nextAllowedTryMs = nowMs
			w.pending.add(c)
		}
		w.sendQueues[nodeID] = nil
	}
}

// requeueSendQueues moves every Call still waiting in a send queue
// back into the pending set, the same way handleNodeLoss does for a
// single dead node's queue, but across every node at once. It runs
// once a metadata refresh succeeds, since the new topology may prefer
// different destinations for Calls that were queued against stale
// metadata and have not been sent yet.
func (w *Worker) requeueSendQueues(nowMs int64) {
	for nodeID, q := range w.sendQueues {
		for _, c := range q {
			c.nextAllowedTryMs = nowMs
			w.pending.add(c)
		}
		w.sendQueues[nodeID] = nil
	}
}

// handleResponses is step 10: every response the NetworkClient
// returned from Poll is matched back to its Call via correlation id
// and routed to either a successful completion or the shared failure
// handler.
func (w *Worker) handleResponses(responses []ClientResponse, nowMs int64) {
	for _, r := range responses {
		c, ok := w.inflightByCorr[r.CorrID]
		if !ok {
			w.log.Log(LogLevelWarn, "response for unknown correlation id", "corr_id", r.CorrID, "node", r.Destination, "err", ErrCorrelationIDUnknown)
			w.nc.Disconnect(r.Destination)
			continue
		}
		delete(w.inflightByCorr, r.CorrID)
		if m := w.inflightByNode[r.Destination]; m != nil {
			delete(m, c)
		}

		switch r.Kind {
		case RespNormal:
			if err := c.onResponse(r.Body); err != nil {
				w.routeFailure(c, err, nowMs)
			}
		case RespVersionMismatch:
			w.routeFailure(c, r.Err, nowMs)
		case RespDisconnected:
			if authErr := w.nc.AuthenticationError(r.Destination); authErr != nil {
				w.routeFailure(c, &AuthenticationError{NodeID: r.Destination, Cause: authErr}, nowMs)
			} else {
				w.routeFailure(c, &DisconnectError{NodeID: r.Destination, Aborted: c.aborted}, nowMs)
			}
		}
	}
}

// routeFailure sends err through the shared retry/terminal decision
// and either requeues the Call (reset to look for a node again) or
// delivers its terminal result.
func (w *Worker) routeFailure(c *call, err error, nowMs int64) {
	out, terminalErr := w.handleFailure(c, err, nowMs)
	if out == outcomeRequeue {
		c.corrID = 0
		c.hasNode = false
		w.pending.add(c)
		return
	}
	w.deliverTerminal(c, terminalErr)
}

func (w *Worker) deliverTerminal(c *call, err error) {
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

// failForShutdown force-fails every Call the Worker still holds, in
// every set, with a TimeoutError wrapping a ShutdownError. It runs once
// the hard shutdown deadline trips with work still outstanding.
func (w *Worker) failForShutdown() {
	for _, c := range w.pending.all() {
		w.pending.remove(c)
		w.deliverTerminal(c, &TimeoutError{Call: c.name, Cause: &ShutdownError{Call: c.name}})
	}
	for nodeID, q := range w.sendQueues {
		for _, c := range q {
			w.deliverTerminal(c, &TimeoutError{Call: c.name, Cause: &ShutdownError{Call: c.name}})
		}
		w.sendQueues[nodeID] = nil
	}
	for corrID, c := range w.inflightByCorr {
		delete(w.inflightByCorr, corrID)
		w.deliverTerminal(c, &TimeoutError{Call: c.name, Cause: &ShutdownError{Call: c.name}})
	}
	w.inflightByNode = map[int32]map[*call]struct{}{}
}
