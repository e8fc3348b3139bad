package worker

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/metrics"
)

// newBackOff builds the attempt schedule: MaxAttempts-1 retries, immediate by
// default, and no retry at all once the run is canceled.
func (w *Worker) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if w.cfg.RetryBackoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = w.cfg.RetryBackoff
		if w.cfg.RetryBackoffMax > 0 {
			exp.MaxInterval = w.cfg.RetryBackoffMax
		}
		exp.MaxElapsedTime = 0
		b = exp
	}
	retries := w.cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// probeWithRetry probes candidate until it gets an answer or the attempt budget
// is spent. Attempts run on a context detached from ctx so cancellation never
// interrupts a request on the wire; ctx only stops further attempts. The
// returned error is the last probe error, or ctx's error when the run was
// canceled before the first attempt.
func (w *Worker) probeWithRetry(ctx context.Context, candidate int64) (matched bool, attempts int, err error) {
	probeCtx := context.WithoutCancel(ctx)
	var lastErr error

	op := func() error {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		ok, err := w.prober.Probe(probeCtx, candidate)
		if err != nil {
			lastErr = err
			metrics.ObserveProbeAttempt("retry")
			w.logger.Debug("probe attempt failed",
				zap.Int64("id", candidate),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
		metrics.ObserveProbeAttempt("ok")
		matched = ok
		return nil
	}

	if retryErr := backoff.Retry(op, w.newBackOff(ctx)); retryErr != nil {
		if lastErr != nil {
			return false, attempts, lastErr
		}
		return false, attempts, fmt.Errorf("probe %d: %w", candidate, retryErr)
	}
	return matched, attempts, nil
}
