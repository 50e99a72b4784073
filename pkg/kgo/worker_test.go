package kgo

import (
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// testCloseWait is the maxWait passed to Close in tests that do not
// care about the drain deadline itself, just that Close returns.
const testCloseWait = 30 * time.Millisecond

func testCfg() cfg {
	c := defaultCfg()
	c.retryBackoffMs = 10
	c.maxRetries = 5
	c.safetyPollCeilingMs = 40
	c.metadataMaxAgeMs = 10 * 60 * 1000
	c.logger = nopLogger{}
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestWorker(c cfg, nc *fakeNetworkClient, meta MetadataManager, clock Clock) *Worker {
	return newWorker(c, c.logger, nc, meta, clock)
}

func TestWorkerDispatchSuccess(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	seed := Node{ID: -1, Host: "seed", Port: 9092}
	nc.setLeastLoaded(seed)
	nc.setReady(seed.ID, true)

	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})
	meta.Update(ClusterSnapshot{Nodes: map[int32]Node{seed.ID: seed}, Leaders: map[TopicPartition]int32{}}, clock.NowMs())

	w := newTestWorker(testCfg(), nc, meta, clock)
	go w.Run()
	defer w.Close(testCloseWait)

	result := make(chan error, 1)
	var gotResp *kmsg.MetadataResponse
	c := newCall("describe-cluster", clock.NowMs()+5000, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onResponse = func(resp kmsg.Response) error {
		gotResp, _ = resp.(*kmsg.MetadataResponse)
		result <- nil
		return nil
	}
	c.onFailure = func(err error) { result <- err }

	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(nc.sentSnapshot()) > 0 })
	sent := nc.sentSnapshot()
	nc.push(ClientResponse{CorrID: sent[0].CorrID, Destination: seed.ID, Kind: RespNormal, Body: &kmsg.MetadataResponse{ControllerID: -1}})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected failure: %v", err)
		}
		if gotResp == nil {
			t.Fatal("onResponse never ran")
		}
	case <-time.After(time.Second):
		t.Fatal("call never completed")
	}
}

func TestWorkerRetriesDisconnectThenSucceeds(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	seed := Node{ID: -1, Host: "seed", Port: 9092}
	nc.setLeastLoaded(seed)
	nc.setReady(seed.ID, true)

	c0 := testCfg()
	meta := newClusterMetadata(c0.metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})
	meta.Update(ClusterSnapshot{Nodes: map[int32]Node{seed.ID: seed}, Leaders: map[TopicPartition]int32{}}, clock.NowMs())

	w := newTestWorker(c0, nc, meta, clock)
	go w.Run()
	defer w.Close(testCloseWait)

	result := make(chan error, 1)
	c := newCall("describe-cluster", clock.NowMs()+5000, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onResponse = func(resp kmsg.Response) error { result <- nil; return nil }
	c.onFailure = func(err error) { result <- err }

	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(nc.sentSnapshot()) >= 1 })
	first := nc.sentSnapshot()[0]
	nc.push(ClientResponse{CorrID: first.CorrID, Destination: seed.ID, Kind: RespDisconnected})

	clock.advance(c0.retryBackoffMs + 1)

	waitUntil(t, time.Second, func() bool { return len(nc.sentSnapshot()) >= 2 })
	second := nc.sentSnapshot()[1]
	nc.push(ClientResponse{CorrID: second.CorrID, Destination: seed.ID, Kind: RespNormal, Body: &kmsg.MetadataResponse{}})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected failure: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call never completed after retry")
	}
}

func TestWorkerSurfacesAuthenticationErrorInsteadOfRetryingDisconnect(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	seed := Node{ID: -1, Host: "seed", Port: 9092}
	nc.setLeastLoaded(seed)
	nc.setReady(seed.ID, true)

	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})
	meta.Update(ClusterSnapshot{Nodes: map[int32]Node{seed.ID: seed}, Leaders: map[TopicPartition]int32{}}, clock.NowMs())

	w := newTestWorker(testCfg(), nc, meta, clock)
	go w.Run()
	defer w.Close(testCloseWait)

	result := make(chan error, 1)
	c := newCall("describe-cluster", clock.NowMs()+5000, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onResponse = func(resp kmsg.Response) error { result <- nil; return nil }
	c.onFailure = func(err error) { result <- err }

	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(nc.sentSnapshot()) > 0 })
	sent := nc.sentSnapshot()[0]
	nc.setAuthError(seed.ID, errors.New("bad credentials"))
	nc.push(ClientResponse{CorrID: sent.CorrID, Destination: seed.ID, Kind: RespDisconnected})

	select {
	case err := <-result:
		var ae *AuthenticationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected *AuthenticationError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("call never failed with an authentication error")
	}

	if got := len(nc.sentSnapshot()); got != 1 {
		t.Fatalf("an authentication failure must not be retried, but saw %d sends", got)
	}
}

func TestWorkerFailsCallPastDeadlineBeforeDispatch(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})

	w := newTestWorker(testCfg(), nc, meta, clock)
	go w.Run()
	defer w.Close(testCloseWait)

	result := make(chan error, 1)
	c := newCall("already-late", clock.NowMs()-1, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onResponse = func(resp kmsg.Response) error { result <- nil; return nil }
	c.onFailure = func(err error) { result <- err }

	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-result:
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TimeoutError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("call never timed out")
	}

	if got := len(nc.sentSnapshot()); got != 0 {
		t.Fatalf("expected the call to never be sent, got %d sends", got)
	}
}

func TestWorkerSubmitAfterCloseReturnsShutdownError(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})

	w := newTestWorker(testCfg(), nc, meta, clock)
	go w.Run()
	w.Close(testCloseWait)

	c := newCall("too-late", clock.NowMs()+1000, LeastLoaded())
	err := w.Submit(c)
	var se *ShutdownError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ShutdownError, got %v (%T)", err, err)
	}
}

func TestWorkerShutdownDrainForceFailsOutstandingCall(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient() // no ready node ever: the call can never be placed
	c0 := testCfg()
	meta := newClusterMetadata(c0.metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})

	w := newTestWorker(c0, nc, meta, clock)
	go w.Run()

	result := make(chan error, 1)
	c := newCall("stuck", clock.NowMs()+5000, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onFailure = func(err error) { result <- err }
	c.onResponse = func(resp kmsg.Response) error { result <- nil; return nil }

	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	closeDone := make(chan struct{})
	go func() { w.Close(20 * time.Millisecond); close(closeDone) }()

	// The hard deadline is measured on the Worker's Clock, so move the
	// fake clock past it once Close has set it.
	waitUntil(t, time.Second, func() bool {
		sealed, _ := w.shutdownState()
		return sealed
	})
	clock.advance(20)

	select {
	case err := <-result:
		var se *ShutdownError
		if !errors.As(err, &se) {
			t.Fatalf("expected *ShutdownError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("call was never force-failed by shutdown drain")
	}

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close never returned")
	}
}

func TestWorkerRequeueSendQueuesMovesQueuedCallsBackToPending(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})
	w := newTestWorker(testCfg(), nc, meta, clock)

	node := Node{ID: 5, Host: "stale", Port: 9092}
	c := newCall("queued-but-unsent", clock.NowMs()+5000, LeastLoaded())
	w.sendNode[node.ID] = node
	w.sendQueues[node.ID] = []*call{c}

	w.requeueSendQueues(clock.NowMs())

	if got := len(w.sendQueues[node.ID]); got != 0 {
		t.Fatalf("expected the send queue to be drained, got %d calls left", got)
	}
	found := false
	for _, pc := range w.pending.all() {
		if pc == c {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the queued call to land back in the pending set")
	}
}

func TestWorkerMetadataRefreshSuccessRequeuesStaleSendQueues(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	seed := Node{ID: -1, Host: "seed", Port: 9092}
	nc.setLeastLoaded(seed)
	nc.setReady(seed.ID, true)

	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})
	w := newTestWorker(testCfg(), nc, meta, clock)

	// A call queued against a node that never reports itself ready:
	// it should sit in sendQueues until something moves it, rather
	// than ever being sent.
	stale := Node{ID: 9, Host: "stale", Port: 9092}
	stuck := newCall("stuck-on-stale-node", clock.NowMs()+5000, LeastLoaded())
	w.sendNode[stale.ID] = stale
	w.sendQueues[stale.ID] = []*call{stuck}

	refresh := w.newMetadataRefreshCall(clock.NowMs())
	if err := refresh.onResponse(&kmsg.MetadataResponse{
		Brokers:      []kmsg.MetadataResponseBroker{{NodeID: seed.ID, Host: seed.Host, Port: seed.Port}},
		ControllerID: seed.ID,
	}); err != nil {
		t.Fatalf("onResponse: %v", err)
	}

	if got := len(w.sendQueues[stale.ID]); got != 0 {
		t.Fatalf("expected the stale send queue drained by the refresh, got %d calls left", got)
	}
	found := false
	for _, pc := range w.pending.all() {
		if pc == stuck {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the previously-queued call to be back in pending after metadata refreshed")
	}
	if !meta.IsReady() {
		t.Fatal("expected the metadata refresh to have updated the manager")
	}
}

func TestWorkerCloseConcurrentCallersEarliestDeadlineWins(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient() // no ready node ever: the call can never be placed
	c0 := testCfg()
	meta := newClusterMetadata(c0.metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})

	w := newTestWorker(c0, nc, meta, clock)
	go w.Run()

	result := make(chan error, 1)
	c := newCall("stuck", clock.NowMs()+5000, LeastLoaded())
	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) { return &kmsg.MetadataRequest{}, nil }
	c.onFailure = func(err error) { result <- err }
	c.onResponse = func(resp kmsg.Response) error { result <- nil; return nil }
	if err := w.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The first closer asks for a generous wait; a second, concurrent
	// closer asks for a much shorter one. The shorter deadline must
	// win regardless of call order, since sealing already happened.
	go w.Close(time.Hour)
	waitUntil(t, time.Second, func() bool {
		sealed, _ := w.shutdownState()
		return sealed
	})

	closeDone := make(chan struct{})
	go func() { w.Close(20 * time.Millisecond); close(closeDone) }()

	// Wait for the second closer to pull the deadline in, then move the
	// fake clock (the Worker's only time source) up to it.
	waitUntil(t, time.Second, func() bool {
		_, hardDeadlineMs := w.shutdownState()
		return hardDeadlineMs == clock.NowMs()+20
	})
	clock.advance(20)

	select {
	case err := <-result:
		var se *ShutdownError
		if !errors.As(err, &se) {
			t.Fatalf("expected *ShutdownError, got %v (%T)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("the shorter concurrent deadline never force-failed the stuck call")
	}

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("the second Close call never returned")
	}
}

func TestWorkerMetadataRefreshUpdatesClusterMetadata(t *testing.T) {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	seed := Node{ID: -1, Host: "seed", Port: 9092}
	nc.setLeastLoaded(seed)
	nc.setReady(seed.ID, true)

	meta := newClusterMetadata(testCfg().metadataMaxAgeMs, func(int) int64 { return 0 }, nopLogger{})

	w := newTestWorker(testCfg(), nc, meta, clock)
	go w.Run()
	defer w.Close(testCloseWait)

	waitUntil(t, time.Second, func() bool { return len(nc.sentSnapshot()) > 0 })
	sent := nc.sentSnapshot()[0]
	nc.push(ClientResponse{
		CorrID: sent.CorrID, Destination: seed.ID, Kind: RespNormal,
		Body: &kmsg.MetadataResponse{
			ControllerID: 7,
			Brokers:      []kmsg.MetadataResponseBroker{{NodeID: 7, Host: "b1", Port: 9092}},
		},
	})

	waitUntil(t, time.Second, func() bool { return meta.IsReady() })
	controller, ok := meta.Controller()
	if !ok || controller.ID != 7 {
		t.Fatalf("expected controller node 7, got %+v (ok=%v)", controller, ok)
	}
}
