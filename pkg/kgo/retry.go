package kgo

// outcome tells the Worker's main loop what to do with a call after
// routing it through the failure handler.
type outcome uint8

const (
	outcomeRequeue outcome = iota
	outcomeTerminal
)

// handleFailure is the single arbiter of retry vs. terminal failure
// described in spec.md §4.3. It never completes the call's future
// itself; it returns an outcome and, for outcomeTerminal, the error to
// deliver, leaving delivery to the caller so the Worker can first
// remove the call from whatever set it currently occupies.
func (w *Worker) handleFailure(c *call, err error, nowMs int64) (outcome, error) {
	// Step 1: aborted calls never get another attempt. The connection
	// was torn down out from under them; the server's state is
	// unknown, so only a Timeout is honest.
	if c.aborted {
		if c.abortErr != nil {
			return outcomeTerminal, c.abortErr
		}
		return outcomeTerminal, &TimeoutError{Call: c.name, Cause: err}
	}

	// Step 2: an accepted downgrade does not consume a retry.
	if uve, ok := err.(*UnsupportedVersionError); ok && c.onUnsupportedVersion != nil {
		if c.downgrades < maxDowngradeAttempts && c.onUnsupportedVersion(uve) {
			c.downgrades++
			c.nextAllowedTryMs = nowMs
			return outcomeRequeue, nil
		}
		// Exhausted the downgrade ladder, or the call declined: fall
		// through to standard retry accounting with the original error.
	}

	// Step 3.
	c.tries++
	c.nextAllowedTryMs = nowMs + w.cfg.retryBackoffMs

	// Step 4.
	if nowMs > c.deadlineMs {
		return outcomeTerminal, err
	}

	// Step 5.
	if !retriable(err) {
		return outcomeTerminal, err
	}

	// Step 6.
	if c.tries > w.cfg.maxRetries {
		return outcomeTerminal, err
	}

	// Step 7.
	return outcomeRequeue, nil
}
