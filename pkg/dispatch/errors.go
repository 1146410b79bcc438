package dispatch

import (
	"context"
	"errors"
	"strings"
)

// ErrNoHealthyWorker is returned when the pool or balancer cannot find an
// eligible worker of the requested kind.
var ErrNoHealthyWorker = errors.New("no healthy worker available")

// ErrPoolExhausted is returned by Acquire when its timeout elapses with no
// lease becoming available.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrJobTerminal is returned by operations that require a non-terminal Job.
var ErrJobTerminal = errors.New("job already in a terminal state")

// ErrBuilderNotImplemented is returned when a BuildConfig selects a
// builder kind that is recognized but not implemented.
var ErrBuilderNotImplemented = errors.New("builder not implemented")

// transientMarkers classifies transport errors as transient, grounded on
// original_source/core/server/retry.py's should_retry_on_connection: network
// errors, SSH session errors, and generic "try again" style failures are
// retried; anything else (permission denied, auth invalid, no such file) is
// surfaced immediately.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"no route to host",
	"network is unreachable",
	"ssh exception",
	"authentication temporarily",
	"channel closed",
	"session closed",
	"temporary failure",
	"timeout",
	"too many connections",
	"eof",
	"broken pipe",
}

// IsTransient reports whether err should be retried by the retry policy
// (§4.2's "transport-transient" taxonomy, §7).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
