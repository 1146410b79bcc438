package dispatch

import (
	"context"
	"time"
)

// OpClass names an operation class so the retry policy can apply the
// per-class attempt/backoff table from spec §4.2.
type OpClass string

const (
	OpConnect  OpClass = "connect"
	OpExec     OpClass = "exec"
	OpMkdir    OpClass = "mkdir"
	OpRmdir    OpClass = "rmdir"
	OpUpload   OpClass = "upload"
	OpDownload OpClass = "download"
	OpHealth   OpClass = "health"
)

// RetryOptions configures one operation class's retry behavior.
type RetryOptions struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	ShouldRetry   func(error) bool
}

// opClassTable is the §4.2 table: Connect 3@1s x2, Exec/Mkdir/Rmdir 2@0.5s
// x1, Upload/Download 3@1s x2, Health 2@0.5s x1.
var opClassTable = map[OpClass]RetryOptions{
	OpConnect:  {MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2},
	OpExec:     {MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1},
	OpMkdir:    {MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1},
	OpRmdir:    {MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1},
	OpUpload:   {MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2},
	OpDownload: {MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2},
	OpHealth:   {MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1},
}

// RetryPolicy is a decorator-style wrapper applied at call sites in the
// Pool/Registry (§9: an explicit middleware, table-driven by operation
// class, replacing the source language's per-method decorator).
type RetryPolicy struct {
	table map[OpClass]RetryOptions
}

// NewRetryPolicy builds a policy from the §4.2 table, with shouldRetry
// (defaulting to IsTransient) applied to every class unless overridden.
func NewRetryPolicy(shouldRetry func(error) bool) *RetryPolicy {
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	table := make(map[OpClass]RetryOptions, len(opClassTable))
	for class, opts := range opClassTable {
		opts.ShouldRetry = shouldRetry
		table[class] = opts
	}
	return &RetryPolicy{table: table}
}

// Do runs fn under the retry policy for the given operation class. A
// non-retryable error is surfaced immediately (§4.2).
func (p *RetryPolicy) Do(ctx context.Context, class OpClass, fn func() error) error {
	opts, ok := p.table[class]
	if !ok {
		return fn()
	}

	delay := opts.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			return lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
	}
	return lastErr
}
