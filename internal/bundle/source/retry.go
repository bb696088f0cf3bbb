package source

import (
	"context"
	"fmt"
	"time"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"
)

// Retryer reruns a failing operation with capped exponential backoff.
// Only transient source conditions are retried; a discontinued provider
// or a normalization failure returns immediately.
type Retryer struct {
	// MaxRetries is the number of attempts after the first failure.
	MaxRetries int

	// Base is the delay before the first retry; it doubles per attempt.
	Base time.Duration
}

// NewRetryer creates a retryer. Non-positive arguments fall back to a
// single retry after 500ms.
func NewRetryer(maxRetries int, base time.Duration) *Retryer {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Retryer{MaxRetries: maxRetries, Base: base}
}

// Do runs fn, retrying transient failures until the attempt budget is
// spent or the context is cancelled. The last error is returned.
func (r *Retryer) Do(ctx context.Context, op string, fn func() error) error {
	log := logging.Component("source")

	var err error
	delay := r.Base

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err = fn(); err == nil {
			return nil
		}
		if !errs.IsRetriable(err) {
			return err
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}
