package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/management"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/rs/xid"
)

const (
	opPeek     = "peek"
	opSchedule = "schedule"
	opCancel   = "cancel_scheduled"
)

// PeekOptions narrows a peek. MessageCount defaults to 1.
type PeekOptions struct {
	MessageCount       int32
	SessionID          string
	AssociatedLinkName string
}

// Peek reads up to MessageCount messages starting at fromSequenceNumber
// without locking them. Fewer or zero messages is a successful result.
func (c *Client) Peek(ctx context.Context, policy retry.Policy, fromSequenceNumber int64, opts PeekOptions) ([]message.ReceivedMessage, error) {
	count := opts.MessageCount
	if count <= 0 {
		count = 1
	}
	l := loop{client: c, op: opPeek, policy: policy}
	return run(ctx, l, func(ctx context.Context, a attempt) ([]message.ReceivedMessage, error) {
		resp, err := c.managementRequest(ctx, l, a, func(timeout time.Duration) (*amqp.Message, error) {
			return management.PeekRequest(fromSequenceNumber, count, opts.SessionID, timeout, opts.AssociatedLinkName), nil
		})
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == management.StatusOK:
			msgs, err := resp.Messages()
			if err != nil {
				return nil, protocolError(l, resp, err)
			}
			if msgs == nil {
				msgs = []message.ReceivedMessage{}
			}
			return msgs, nil
		case resp.StatusCode == management.StatusNoContent:
			return []message.ReceivedMessage{}, nil
		case resp.StatusCode == management.StatusNotFound && resp.Condition == management.ConditionMessageNotFound:
			return []message.ReceivedMessage{}, nil
		default:
			return nil, protocolError(l, resp, nil)
		}
	})
}

// ScheduleMessage schedules msg for msg.ScheduledEnqueueTime and returns its
// sequence number. A missing MessageID is generated. A message that fails
// validation or cannot be encoded is rejected before any attempt.
func (c *Client) ScheduleMessage(ctx context.Context, policy retry.Policy, msg message.Message, associatedLinkName string) (int64, error) {
	if c.closed.isSet() {
		return 0, sberr.New(sberr.KindClientClosed, opSchedule, c.entity, ErrClosed)
	}
	if err := msg.Validate(); err != nil {
		return 0, sberr.New(sberr.KindInvalidArgument, opSchedule, c.entity, err)
	}
	if msg.ScheduledEnqueueTime.IsZero() {
		return 0, sberr.New(sberr.KindInvalidArgument, opSchedule, c.entity,
			fmt.Errorf("%w: scheduled enqueue time is required", message.ErrInvalidMessage))
	}
	if msg.MessageID == "" {
		msg.MessageID = xid.New().String()
	}
	req, err := management.ScheduleRequest([]message.Message{msg}, 0, associatedLinkName)
	if err != nil {
		return 0, sberr.New(sberr.KindInvalidArgument, opSchedule, c.entity,
			fmt.Errorf("%w: %w", message.ErrInvalidMessage, err))
	}

	l := loop{client: c, op: opSchedule, policy: policy}
	return run(ctx, l, func(ctx context.Context, a attempt) (int64, error) {
		resp, err := c.managementRequest(ctx, l, a, func(timeout time.Duration) (*amqp.Message, error) {
			management.SetServerTimeout(req, timeout)
			return req, nil
		})
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != management.StatusOK {
			return 0, protocolError(l, resp, nil)
		}
		seqs, err := resp.SequenceNumbers()
		if err != nil {
			return 0, protocolError(l, resp, err)
		}
		if len(seqs) == 0 {
			e := sberr.New(sberr.KindScheduleFailed, l.op, c.entity, nil)
			e.StatusCode = resp.StatusCode
			return 0, e
		}
		return seqs[0], nil
	})
}

// CancelScheduledMessage cancels the scheduled message with sequenceNumber.
func (c *Client) CancelScheduledMessage(ctx context.Context, policy retry.Policy, sequenceNumber int64, associatedLinkName string) error {
	l := loop{client: c, op: opCancel, policy: policy}
	_, err := run(ctx, l, func(ctx context.Context, a attempt) (struct{}, error) {
		resp, err := c.managementRequest(ctx, l, a, func(timeout time.Duration) (*amqp.Message, error) {
			return management.CancelScheduledRequest([]int64{sequenceNumber}, timeout, associatedLinkName), nil
		})
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode != management.StatusOK {
			return struct{}{}, protocolError(l, resp, nil)
		}
		return struct{}{}, nil
	})
	return err
}

// managementRequest runs one request/response exchange on the management
// link within the attempt budget.
func (c *Client) managementRequest(ctx context.Context, l loop, a attempt, build func(timeout time.Duration) (*amqp.Message, error)) (*management.Response, error) {
	req, err := build(a.tryTimeout)
	if err != nil {
		return nil, sberr.New(sberr.KindInvalidArgument, l.op, c.entity, err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, sberr.Cancelled(l.op, c.entity, err)
	}

	link, err := c.mgmt.GetOrCreate(ctx, min(c.scope.SessionTimeout(), a.remaining()))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, sberr.Cancelled(l.op, c.entity, err)
	}

	return bounded(ctx, l, a, func(ctx context.Context) (*management.Response, error) {
		if err := c.putToken(ctx, token); err != nil {
			return nil, err
		}
		return link.Request(ctx, req)
	})
}

func protocolError(l loop, resp *management.Response, cause error) *sberr.Error {
	e := sberr.New(sberr.KindProtocol, l.op, l.client.entity, cause)
	e.StatusCode = resp.StatusCode
	e.Condition = resp.Condition
	e.Description = resp.Description
	return e
}
