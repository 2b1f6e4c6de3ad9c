package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/sbtransport/internal/observability"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/sberr"
)

// attempt is the budget of one try within an operation.
type attempt struct {
	number     int
	tryTimeout time.Duration
	start      time.Time
}

func (a attempt) remaining() time.Duration {
	return a.tryTimeout - time.Since(a.start)
}

// loop carries what run needs besides the attempt body.
type loop struct {
	client *Client
	op     string
	policy retry.Policy
}

// run drives fn until it succeeds, the policy stops retrying, the scope is
// disposed or ctx is done. Every failure leaving run is an *sberr.Error.
func run[T any](ctx context.Context, l loop, fn func(ctx context.Context, a attempt) (T, error)) (T, error) {
	var zero T
	c := l.client
	if c.closed.isSet() {
		return zero, sberr.New(sberr.KindClientClosed, l.op, c.entity, ErrClosed)
	}
	policy := l.policy
	if policy == nil {
		policy = retry.DefaultPolicy()
	}

	failures := 0
	a := attempt{tryTimeout: policy.TryTimeout(0), start: time.Now()}
	for ctx.Err() == nil {
		if c.closed.isSet() {
			return zero, sberr.New(sberr.KindClientClosed, l.op, c.entity, ErrClosed)
		}

		result, err := fn(ctx, a)
		elapsed := time.Since(a.start)
		if err == nil {
			observability.RecordAttempt(l.op, "success", elapsed)
			c.logger.Debug().Str("op", l.op).Int("attempt", a.number).Dur("elapsed", elapsed).Msg("client.attempt ok")
			return result, nil
		}

		err = sberr.Translate(l.op, c.entity, err)
		observability.RecordAttempt(l.op, sberr.KindOf(err).String(), elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, sberr.Cancelled(l.op, c.entity, ctxErr)
		}

		failures++
		delay, ok := policy.RetryDelay(err, failures)
		if !ok || c.scope.IsDisposed() {
			c.logger.Error().Str("op", l.op).Int("attempts", failures).Err(err).Msg("client.attempt failed")
			return zero, err
		}

		observability.RecordRetry(l.op)
		c.logger.Warn().Str("op", l.op).Int("attempt", a.number).Dur("delay", delay).Err(err).Msg("client.attempt retry")
		if err := sleep(ctx, delay); err != nil {
			return zero, sberr.Cancelled(l.op, c.entity, err)
		}
		a = attempt{number: failures, tryTimeout: policy.TryTimeout(failures), start: time.Now()}
	}
	return zero, sberr.Cancelled(l.op, c.entity, ctx.Err())
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// bounded runs fn under the rest of the attempt budget. A budget expiry is
// reported as KindTimeout, a caller cancellation as KindCancelled.
func bounded[T any](ctx context.Context, l loop, a attempt, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	remaining := a.remaining()
	if remaining <= 0 {
		return zero, sberr.New(sberr.KindTimeout, l.op, l.client.entity,
			fmt.Errorf("try timeout %s spent", a.tryTimeout))
	}
	attemptCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	result, err := fn(attemptCtx)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, sberr.Cancelled(l.op, l.client.entity, ctxErr)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && sberr.KindOf(err) != sberr.KindLinkOpenTimeout {
		return zero, sberr.New(sberr.KindTimeout, l.op, l.client.entity, err)
	}
	return zero, err
}
