package kgo

import (
	"context"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/sasl"
)

// safetyPollCeilingDefaultMs is the upper bound on poll blocking from
// spec.md §6's configuration knobs, and doubles as the "don't bother
// telling me again soon" delay MetadataFetchDelayMs reports while an
// update is already pending.
const safetyPollCeilingDefaultMs = 1_200_000

const (
	defaultTimeoutMsDefault = 30_000
	retryBackoffMsDefault   = 250
	maxRetriesDefault       = 5
	metadataMaxAgeMsDefault = 5 * 60 * 1000
	maxDowngradeAttempts    = 8 // see SPEC_FULL.md Open Questions
)

// cfg collects every knob the Worker and its collaborators read,
// assembled through functional options the way the teacher builds its
// own client config (inferred throughout broker.go from b.cl.cfg.*
// field accesses: dialFn, maxBrokerReadBytes, sasls, logger, hooks).
type cfg struct {
	seedBrokers []string
	dialFn      func(ctx context.Context, network, addr string) (net.Conn, error)

	defaultTimeoutMs    int64
	retryBackoffMs      int64
	maxRetries          int
	safetyPollCeilingMs int64
	metadataMaxAgeMs    int64
	maxBrokerReadBytes  int32

	sasls []sasl.Mechanism

	logger Logger
}

func defaultCfg() cfg {
	return cfg{
		dialFn: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
		defaultTimeoutMs:    defaultTimeoutMsDefault,
		retryBackoffMs:      retryBackoffMsDefault,
		maxRetries:          maxRetriesDefault,
		safetyPollCeilingMs: safetyPollCeilingDefaultMs,
		metadataMaxAgeMs:    metadataMaxAgeMsDefault,
		maxBrokerReadBytes:  100 << 20,
		logger:              nopLogger{},
	}
}

// Opt configures a Client at construction time.
type Opt interface{ apply(*cfg) }

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithSeedBrokers sets the initial set of "host:port" addresses used
// to bootstrap cluster metadata before any node is known.
func WithSeedBrokers(addrs ...string) Opt {
	return optFunc(func(c *cfg) { c.seedBrokers = append([]string(nil), addrs...) })
}

// WithDefaultTimeout sets the deadline assigned to a Call when the
// facade does not specify one explicitly.
func WithDefaultTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.defaultTimeoutMs = d.Milliseconds() })
}

// WithRetryBackoff sets the gap between attempts of the same Call.
func WithRetryBackoff(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.retryBackoffMs = d.Milliseconds() })
}

// WithMaxRetries sets the retry attempts permitted beyond the first.
func WithMaxRetries(n int) Opt {
	return optFunc(func(c *cfg) { c.maxRetries = n })
}

// WithSafetyPollCeiling bounds how long a single NetworkClient.poll
// call is allowed to block, regardless of how far away the next
// deadline is.
func WithSafetyPollCeiling(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.safetyPollCeilingMs = d.Milliseconds() })
}

// WithMetadataMaxAge sets how stale cluster metadata may get before
// the Worker schedules an in-band refresh.
func WithMetadataMaxAge(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.metadataMaxAgeMs = d.Milliseconds() })
}

// WithLogger installs a Logger; the default discards everything.
func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = l })
}

// WithSASL appends SASL mechanisms (teacher: brokerCxn.sasl). Only the
// first configured mechanism is used on connect; the others are not
// tried, and the broker's advertised mechanisms are not consulted.
func WithSASL(m ...sasl.Mechanism) Opt {
	return optFunc(func(c *cfg) { c.sasls = append(c.sasls, m...) })
}

// WithDialer overrides how the NetworkClient opens TCP connections.
func WithDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Opt {
	return optFunc(func(c *cfg) { c.dialFn = fn })
}

func (c *cfg) retryBackoffFn() func(fails int) int64 {
	base := c.retryBackoffMs
	return func(fails int) int64 {
		if fails <= 0 {
			return 0
		}
		// linear, not exponential: the teacher's own retry backoff
		// (referenced in metadata.go's updateMetadataLoop) is a
		// straight per-consecutive-failure multiple, not a jittered
		// exponential curve.
		d := base * int64(fails)
		if d > c.safetyPollCeilingMs {
			d = c.safetyPollCeilingMs
		}
		return d
	}
}
