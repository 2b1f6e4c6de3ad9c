package sberr

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/go-amqp"
)

// Translate classifies err for op against entity. Errors that are already
// classified keep their kind and are relabelled to op/entity; an inner label
// such as "open management" moves into the wrapped cause.
func Translate(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var sbErr *Error
	if errors.As(err, &sbErr) {
		if sbErr.Op == op && sbErr.Entity == entity {
			return err
		}
		clone := *sbErr
		clone.Op = op
		clone.Entity = entity
		if sbErr.Op != "" || sbErr.Entity != "" {
			if sbErr.Err != nil {
				clone.Err = fmt.Errorf("%s %s: %w", sbErr.Op, sbErr.Entity, sbErr.Err)
			} else {
				clone.Err = fmt.Errorf("%s %s", sbErr.Op, sbErr.Entity)
			}
		}
		return &clone
	}

	switch {
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, op, entity, err)
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, op, entity, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return fromRemote(KindProtocol, op, entity, amqpErr, err)
	}
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		return fromRemote(KindTransport, op, entity, linkErr.RemoteErr, err)
	}
	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		return fromRemote(KindTransport, op, entity, sessionErr.RemoteErr, err)
	}
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return fromRemote(KindTransport, op, entity, connErr.RemoteErr, err)
	}
	return New(KindTransport, op, entity, err)
}

func fromRemote(kind Kind, op, entity string, remote *amqp.Error, cause error) *Error {
	out := New(kind, op, entity, cause)
	if remote == nil {
		return out
	}
	out.Condition = string(remote.Condition)
	out.Description = remote.Description
	if remote.Condition == amqp.ErrCondUnauthorizedAccess {
		out.Kind = KindAuthentication
	}
	return out
}

// IsConnectionFault reports whether err means the underlying connection is
// unusable and must be re-dialled.
func IsConnectionFault(err error) bool {
	var connErr *amqp.ConnError
	return errors.As(err, &connErr)
}
