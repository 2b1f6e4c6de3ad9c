// Package sberr defines the error taxonomy surfaced at the transport client
// boundary.
//
// Every failure that leaves an operation is an *Error carrying a Kind. The
// kind sentinels (ErrProtocol, ErrClientClosed, ...) match through errors.Is,
// and the underlying cause remains reachable through the same chain:
//
//	if errors.Is(err, sberr.ErrProtocol) { ... }
//	if errors.Is(err, context.DeadlineExceeded) { ... }
//
// Translate maps go-amqp and context failures into kinds so callers never see
// a raw link-layer error.
package sberr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindLinkOpenTimeout
	KindProtocol
	KindCancelled
	KindClientClosed
	KindScheduleFailed
	KindTransport
	KindTimeout
	KindInvalidArgument
)

var (
	ErrUnknown         = errors.New("servicebus: unknown failure")
	ErrAuthentication  = errors.New("servicebus: authentication failure")
	ErrLinkOpenTimeout = errors.New("servicebus: link open timeout")
	ErrProtocol        = errors.New("servicebus: protocol failure")
	ErrCancelled       = errors.New("servicebus: operation cancelled")
	ErrClientClosed    = errors.New("servicebus: client closed")
	ErrScheduleFailed  = errors.New("servicebus: could not schedule message")
	ErrTransport       = errors.New("servicebus: transport failure")
	ErrTimeout         = errors.New("servicebus: operation timed out")
	ErrInvalidArgument = errors.New("servicebus: invalid argument")
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindLinkOpenTimeout:
		return "link_open_timeout"
	case KindProtocol:
		return "protocol"
	case KindCancelled:
		return "cancelled"
	case KindClientClosed:
		return "client_closed"
	case KindScheduleFailed:
		return "schedule_failed"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Sentinel returns the package-level error value matched by errors.Is for k.
func (k Kind) Sentinel() error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindLinkOpenTimeout:
		return ErrLinkOpenTimeout
	case KindProtocol:
		return ErrProtocol
	case KindCancelled:
		return ErrCancelled
	case KindClientClosed:
		return ErrClientClosed
	case KindScheduleFailed:
		return ErrScheduleFailed
	case KindTransport:
		return ErrTransport
	case KindTimeout:
		return ErrTimeout
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrUnknown
	}
}

// Error is a classified failure of one operation against one entity.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "peek" or "schedule".
	Op string
	// Entity is the queue/topic path the operation targeted.
	Entity string
	// StatusCode is the broker management status when one was returned.
	StatusCode int
	// Condition is the AMQP error condition or management error condition.
	Condition   string
	Description string
	Err         error
}

// New builds an *Error of the given kind.
func New(kind Kind, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Sentinel().Error())
	if e.Op != "" || e.Entity != "" {
		fmt.Fprintf(&b, " op=%s entity=%q", e.Op, e.Entity)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Condition != "" {
		fmt.Fprintf(&b, " condition=%s", e.Condition)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, " description=%q", e.Description)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}
	return []error{e.Kind.Sentinel(), e.Err}
}

// KindOf reports the kind of err. Unclassified context errors map to
// KindCancelled and KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// Cancelled wraps a context failure as KindCancelled.
func Cancelled(op, entity string, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return New(KindCancelled, op, entity, cause)
}
