package kgo

import (
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kerr"
)

func newHandleFailureWorker(c cfg) *Worker {
	clock := newFakeClock(1000)
	nc := newFakeNetworkClient()
	meta := newClusterMetadata(c.metadataMaxAgeMs, c.retryBackoffFn(), nopLogger{})
	return newWorker(c, c.logger, nc, meta, clock)
}

func TestHandleFailureAbortedCallBecomesTimeout(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("aborted", 9999, LeastLoaded())
	c.aborted = true
	c.abortErr = &TimeoutError{Call: c.name}

	out, err := w.handleFailure(c, &DisconnectError{NodeID: 1}, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal, got %v", out)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v (%T)", err, err)
	}
}

func TestHandleFailureAbortedCallWithoutRecordedErrorWrapsCause(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("aborted-no-recorded-err", 9999, LeastLoaded())
	c.aborted = true

	cause := errors.New("boom")
	out, err := w.handleFailure(c, cause, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal, got %v", out)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v (%T)", err, err)
	}
	if !errors.Is(te, cause) {
		t.Fatalf("expected the original cause to be wrapped, got %v", te.Unwrap())
	}
}

func TestHandleFailureAcceptedDowngradeRequeuesWithoutConsumingRetry(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("downgradeable", 9999, LeastLoaded())
	c.onUnsupportedVersion = func(*UnsupportedVersionError) bool { return true }

	out, err := w.handleFailure(c, &UnsupportedVersionError{Key: 3, Version: 9}, 1000)
	if out != outcomeRequeue {
		t.Fatalf("expected outcomeRequeue, got %v (err=%v)", out, err)
	}
	if c.downgrades != 1 {
		t.Fatalf("expected downgrades incremented to 1, got %d", c.downgrades)
	}
	if c.tries != 0 {
		t.Fatalf("a downgrade must not consume a retry attempt, got tries=%d", c.tries)
	}
}

func TestHandleFailureExhaustedDowngradeFallsThroughToStandardAccounting(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("downgrade-exhausted", 9999, LeastLoaded())
	c.downgrades = maxDowngradeAttempts
	c.onUnsupportedVersion = func(*UnsupportedVersionError) bool { return true }

	out, _ := w.handleFailure(c, &UnsupportedVersionError{Key: 3, Version: 9}, 1000)
	if out != outcomeRequeue {
		t.Fatalf("expected outcomeRequeue (retriable, under retry budget), got %v", out)
	}
	if c.tries != 1 {
		t.Fatalf("expected the exhausted downgrade to consume a normal retry, got tries=%d", c.tries)
	}
}

func TestHandleFailureDeadlineExceededIsTerminal(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("past-deadline", 500, LeastLoaded())

	out, err := w.handleFailure(c, &DisconnectError{NodeID: 1}, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal, got %v", out)
	}
	var de *DisconnectError
	if !errors.As(err, &de) {
		t.Fatalf("expected the original error returned, got %v (%T)", err, err)
	}
}

func TestHandleFailureAuthenticationErrorIsTerminal(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("unauthenticated", 9999, LeastLoaded())

	out, err := w.handleFailure(c, &AuthenticationError{NodeID: 1, Cause: errors.New("bad creds")}, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal for an authentication error, got %v", out)
	}
	var ae *AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected the original *AuthenticationError returned, got %v (%T)", err, err)
	}
}

func TestHandleFailureNonRetriableErrorIsTerminal(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("non-retriable", 9999, LeastLoaded())

	out, err := w.handleFailure(c, kerr.TopicAuthorizationFailed, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal for a non-retriable error, got %v", out)
	}
	if !errors.Is(err, kerr.TopicAuthorizationFailed) {
		t.Fatalf("expected the original error returned, got %v", err)
	}
}

func TestHandleFailureMaxRetriesExceededIsTerminal(t *testing.T) {
	c0 := testCfg()
	c0.maxRetries = 2
	w := newHandleFailureWorker(c0)
	c := newCall("retried-out", 9999, LeastLoaded())
	c.tries = 2 // already used both retries

	out, err := w.handleFailure(c, &DisconnectError{NodeID: 1}, 1000)
	if out != outcomeTerminal {
		t.Fatalf("expected outcomeTerminal once tries exceeds maxRetries, got %v", out)
	}
	var de *DisconnectError
	if !errors.As(err, &de) {
		t.Fatalf("expected the original error returned, got %v (%T)", err, err)
	}
}

func TestHandleFailureNormalCaseRequeues(t *testing.T) {
	w := newHandleFailureWorker(testCfg())
	c := newCall("retryable", 9999, LeastLoaded())

	out, err := w.handleFailure(c, &DisconnectError{NodeID: 1}, 1000)
	if out != outcomeRequeue {
		t.Fatalf("expected outcomeRequeue, got %v (err=%v)", out, err)
	}
	if c.tries != 1 {
		t.Fatalf("expected tries incremented to 1, got %d", c.tries)
	}
	if c.nextAllowedTryMs != 1000+w.cfg.retryBackoffMs {
		t.Fatalf("expected nextAllowedTryMs set to now+backoff, got %d", c.nextAllowedTryMs)
	}
}
