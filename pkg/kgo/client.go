package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Client is the package's external entry point: it owns the Worker
// goroutine and every collaborator wired into it, and exposes the
// administrative call facade (admin_*.go) built on top of doCall.
type Client struct {
	w     *Worker
	cfg   cfg
	clock Clock

	groupCoord *coordinatorCache
}

// NewClient wires a Worker together with a broker-backed NetworkClient
// and an in-band MetadataManager, starts the Worker's loop in its own
// goroutine, and returns without waiting for it to run. Seed brokers are
// pre-registered with the NetworkClient so the first metadata refresh
// (and any Call using the unexported metadataBootstrap selector) has
// somewhere to go before a single MetadataResponse has ever arrived.
func NewClient(opts ...Opt) *Client {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}

	clock := Clock(newSystemClock())
	nc := newBrokerNetworkClient(&c, c.logger)
	nc.Seed(c.seedBrokers)
	meta := newClusterMetadata(c.metadataMaxAgeMs, c.retryBackoffFn(), c.logger)

	w := newWorker(c, c.logger, nc, meta, clock)
	go w.Run()

	return &Client{w: w, cfg: c, clock: clock, groupCoord: newCoordinatorCache()}
}

// Close seals the Client against further Calls and blocks until every
// outstanding one has completed, failed, or been force-failed once
// maxWait elapses (spec.md §4.5, §6). maxWait is clamped to [0, 1
// year]; if Close is called concurrently from more than one goroutine,
// the earliest requested deadline wins.
func (cl *Client) Close(maxWait time.Duration) { cl.w.Close(maxWait) }

func (cl *Client) deadlineMs(timeout time.Duration) int64 {
	d := cl.cfg.defaultTimeoutMs
	if timeout > 0 {
		d = timeout.Milliseconds()
	}
	return cl.clock.NowMs() + d
}

// doCall is the shared shell every facade function in admin_*.go is
// built from: it owns the mechanics of building a call, wiring its
// Future, and submitting it, leaving each facade function to supply
// only what is specific to its request: how to build it and how to
// decode a successful response. Calls built here have no
// onUnsupportedVersion hook, so they never accept a version downgrade.
func doCall[T any](
	cl *Client,
	name string,
	sel NodeSelector,
	timeout time.Duration,
	build func(timeoutMs int32) (kmsg.Request, error),
	decode func(kmsg.Response) (T, error),
) (T, error) {
	var zero T
	fut := newFuture[T]()

	c := newCall(name, cl.deadlineMs(timeout), sel)
	c.createRequest = build
	c.onResponse = func(resp kmsg.Response) error {
		v, err := decode(resp)
		if err != nil {
			return err
		}
		fut.complete(v)
		return nil
	}
	c.onFailure = func(err error) { fut.fail(err) }

	if err := cl.w.Submit(c); err != nil {
		return zero, err
	}
	return fut.Wait()
}
