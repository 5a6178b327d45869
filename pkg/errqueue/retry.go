package errqueue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryFunc redelivers one queued entry's localEv. A nil error marks the
// entry succeeded; a non-nil error re-queues it with the returned
// message as the entry's new ErrMsg.
type RetryFunc func(ctx context.Context, e *Entry) error

// defaultBackOff bounds the per-entry retry attempts started at
// interval (spec §4.I's configurable minimum retry interval). Grounded
// on Kong-go-database-reconciler/pkg/diff's defaultBackOff/backoff.Retry
// pattern (exponential backoff wrapped in WithMaxRetries).
func defaultBackOff(interval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 4)
}

// Drain retries every open entry once, in evNumber ascending order (spec
// §4.I retry order). Each entry's State is flipped to Retrying for the
// duration of the attempt; on success it is removed via fn's nil error,
// on exhausted backoff it is re-queued with the last error recorded. A
// cancelled ctx aborts the drain before the next entry's attempt.
func (q *Queue) Drain(ctx context.Context, minInterval time.Duration, fn RetryFunc) error {
	for _, e := range q.List() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := q.retryOne(ctx, e, minInterval, fn); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) retryOne(ctx context.Context, e *Entry, minInterval time.Duration, fn RetryFunc) error {
	if err := q.setState(e.ObjType, e.ObjPKey, e.Kind, StateRetrying); err != nil {
		return err
	}

	var lastErr string
	err := backoff.Retry(func() error {
		if attemptErr := fn(ctx, e); attemptErr != nil {
			lastErr = attemptErr.Error()
			return attemptErr
		}
		return nil
	}, backoff.WithContext(defaultBackOff(minInterval), ctx))

	if err != nil {
		return q.MarkFailed(e.ObjType, e.ObjPKey, e.Kind, lastErr)
	}
	return q.MarkSucceeded(ctx, e.ObjType, e.ObjPKey, e.Kind)
}

// RunRetryLoop drains the queue every minInterval until ctx is
// cancelled, the retry cadence spec §4.I/§8 requires.
func (q *Queue) RunRetryLoop(ctx context.Context, minInterval time.Duration, fn RetryFunc) {
	ticker := time.NewTicker(minInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Drain(ctx, minInterval, fn); err != nil && ctx.Err() == nil {
				q.Log.Warnw("error queue drain failed", "error", err)
			}
		}
	}
}
