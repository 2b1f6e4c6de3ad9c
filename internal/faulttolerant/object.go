// Package faulttolerant provides a lazily opened handle that re-opens its
// object after the object faults.
//
// The handle is shared by concurrent callers. Opening is single-flight: while
// one open is in progress every caller joins it and receives the same object.
// A cached object that reports itself no longer open is discarded and the
// next GetOrCreate opens a replacement.
package faulttolerant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/sbtransport/internal/observability"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("faulttolerant: handle closed")

type State int

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unopened"
	}
}

type (
	CreateFunc[T any] func(ctx context.Context) (T, error)
	CloseFunc[T any]  func(ctx context.Context, obj T) error
	IsOpenFunc[T any] func(obj T) bool
)

const openKey = "open"

// Object is a fault-tolerant handle around a T.
type Object[T any] struct {
	kind    string
	create  CreateFunc[T]
	closeFn CloseFunc[T]
	isOpen  IsOpenFunc[T]

	group singleflight.Group

	mu         sync.Mutex
	cached     T
	has        bool
	opening    bool
	everOpened bool
	closed     bool
}

// New returns an unopened handle. kind labels logs and metrics, e.g.
// "management" or "receiver".
func New[T any](kind string, create CreateFunc[T], closeFn CloseFunc[T], isOpen IsOpenFunc[T]) *Object[T] {
	return &Object[T]{kind: kind, create: create, closeFn: closeFn, isOpen: isOpen}
}

// GetOrCreate returns the open object, opening it first when needed. The wait
// is bounded by timeout and ctx. An open that outlives its waiters still
// completes and is cached for the next caller.
func (o *Object[T]) GetOrCreate(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if obj, ok := o.TryGetOpen(); ok {
		return obj, nil
	}
	if o.isClosed() {
		return zero, sberr.New(sberr.KindClientClosed, "open", o.kind, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return zero, sberr.Cancelled("open", o.kind, err)
	}
	if timeout <= 0 {
		return zero, sberr.New(sberr.KindLinkOpenTimeout, "open", o.kind, context.DeadlineExceeded)
	}

	ch := o.group.DoChan(openKey, func() (any, error) {
		return o.open(timeout)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-timer.C:
		return zero, sberr.New(sberr.KindLinkOpenTimeout, "open", o.kind,
			fmt.Errorf("not open within %s", timeout))
	case <-ctx.Done():
		return zero, sberr.Cancelled("open", o.kind, ctx.Err())
	}
}

// open runs once per flight. It is detached from any caller context and
// bounded only by the timeout of the caller that started the flight.
func (o *Object[T]) open(timeout time.Duration) (any, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, sberr.New(sberr.KindClientClosed, "open", o.kind, ErrClosed)
	}
	if o.has && o.isOpen(o.cached) {
		obj := o.cached
		o.mu.Unlock()
		return obj, nil
	}
	stale, hadStale := o.cached, o.has
	var zero T
	o.cached, o.has = zero, false
	o.opening = true
	o.mu.Unlock()

	if hadStale {
		o.discard(stale, timeout, "faulted")
	}

	openCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	obj, err := o.create(openCtx)

	o.mu.Lock()
	o.opening = false
	if err != nil {
		o.mu.Unlock()
		observability.RecordLinkOpen(o.kind, false)
		log.Warn().Str("component", "faulttolerant").Str("kind", o.kind).Err(err).Msg("faulttolerant.open failed")
		if errors.Is(err, context.DeadlineExceeded) && sberr.KindOf(err) != sberr.KindLinkOpenTimeout {
			return nil, sberr.New(sberr.KindLinkOpenTimeout, "open", o.kind, err)
		}
		return nil, err
	}
	if o.closed {
		o.mu.Unlock()
		o.discard(obj, timeout, "closed during open")
		return nil, sberr.New(sberr.KindClientClosed, "open", o.kind, ErrClosed)
	}
	o.cached, o.has, o.everOpened = obj, true, true
	o.mu.Unlock()

	observability.RecordLinkOpen(o.kind, true)
	log.Debug().Str("component", "faulttolerant").Str("kind", o.kind).Dur("elapsed", time.Since(start)).Msg("faulttolerant.open")
	return obj, nil
}

func (o *Object[T]) discard(obj T, timeout time.Duration, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.closeFn(ctx, obj); err != nil {
		log.Debug().Str("component", "faulttolerant").Str("kind", o.kind).Str("reason", reason).Err(err).Msg("faulttolerant.discard close failed")
	}
}

// TryGetOpen returns the cached object when it is open. It never blocks on
// an open in progress.
func (o *Object[T]) TryGetOpen() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var zero T
	if o.closed || !o.has || !o.isOpen(o.cached) {
		return zero, false
	}
	return o.cached, true
}

func (o *Object[T]) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return StateClosed
	case o.opening:
		return StateOpening
	case o.has && o.isOpen(o.cached):
		return StateOpen
	case o.has || o.everOpened:
		return StateFaulted
	default:
		return StateUnopened
	}
}

// Close closes the cached object, if any, and leaves the handle closed.
// Repeated calls return nil. The close error is returned for the caller to
// report; the handle is closed regardless.
func (o *Object[T]) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	obj, has := o.cached, o.has
	var zero T
	o.cached, o.has = zero, false
	o.mu.Unlock()

	if !has {
		return nil
	}
	if err := o.closeFn(ctx, obj); err != nil {
		return fmt.Errorf("close %s: %w", o.kind, err)
	}
	return nil
}

func (o *Object[T]) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
