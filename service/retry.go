package service

import (
	"context"
	"fmt"
	"time"

	"github.com/deal_escrow/ledger"
)

// RetryPolicy bounds how long a ledger call is retried.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff is the pause between attempts when the node signals no wait.
	Backoff time.Duration
	// MaxWait caps a signalled wait; a longer signal ends the retries.
	MaxWait time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 2 * time.Second
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 2 * time.Minute
	}
	return p
}

type sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withLedgerRetry runs op until it succeeds, fails permanently or the policy
// is exhausted. Failures other than context cancellation come back as
// *OperationFailedError.
func withLedgerRetry[T any](ctx context.Context, p RetryPolicy, sleep sleeper, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if sleep == nil {
		sleep = sleepCtx
	}
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err
		if !ledger.IsTransient(err) {
			return zero, &OperationFailedError{Attempts: attempt, Err: err}
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff
		if signalled, ok := ledger.RetryAfter(err); ok {
			if signalled > p.MaxWait {
				return zero, &OperationFailedError{
					Attempts: attempt,
					Err:      fmt.Errorf("signalled wait %s exceeds limit %s: %w", signalled, p.MaxWait, err),
				}
			}
			wait = signalled
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, &OperationFailedError{Attempts: p.MaxAttempts, Err: lastErr}
}
