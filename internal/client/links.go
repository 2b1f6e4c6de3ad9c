package client

import (
	"context"
	"errors"

	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/faulttolerant"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/sberr"
)

var (
	ErrNotReceived = errors.New("client: message was not received by this consumer")
	ErrLinkLost    = errors.New("client: receiving link is no longer open")
)

const (
	opSend    = "send"
	opReceive = "receive"
	opSettle  = "complete"
)

// Sender sends messages to the client entity over its own lazily opened
// link.
type Sender struct {
	client *Client
	policy retry.Policy
	link   *faulttolerant.Object[senderLink]
}

func newSender(c *Client, policy retry.Policy) *Sender {
	return &Sender{
		client: c,
		policy: policy,
		link: faulttolerant.New("sender",
			func(ctx context.Context) (senderLink, error) {
				if err := c.authorize(ctx); err != nil {
					return nil, err
				}
				return c.scope.OpenSenderLink(ctx, c.entity)
			},
			func(ctx context.Context, l senderLink) error { return l.Close(ctx) },
			func(l senderLink) bool { return l.IsOpen() },
		),
	}
}

// Send delivers msg, retrying per the sender policy.
func (s *Sender) Send(ctx context.Context, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	c := s.client
	l := loop{client: c, op: opSend, policy: s.policy}
	_, err := run(ctx, l, func(ctx context.Context, a attempt) (struct{}, error) {
		link, err := s.link.GetOrCreate(ctx, min(c.scope.SessionTimeout(), a.remaining()))
		if err != nil {
			return struct{}{}, err
		}
		return bounded(ctx, l, a, func(ctx context.Context) (struct{}, error) {
			if err := c.authorize(ctx); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, link.Send(ctx, message.ToAMQP(msg))
		})
	})
	return err
}

func (s *Sender) Close(ctx context.Context) error {
	return s.link.Close(ctx)
}

// Consumer receives messages from the client entity over its own lazily
// opened link.
type Consumer struct {
	client *Client
	policy retry.Policy
	config amqpconn.ReceiverConfig
	link   *faulttolerant.Object[receiverLink]
}

func newConsumer(c *Client, policy retry.Policy, cfg amqpconn.ReceiverConfig) *Consumer {
	return &Consumer{
		client: c,
		policy: policy,
		config: cfg,
		link: faulttolerant.New("receiver",
			func(ctx context.Context) (receiverLink, error) {
				if err := c.authorize(ctx); err != nil {
					return nil, err
				}
				return c.scope.OpenReceiverLink(ctx, c.entity, cfg)
			},
			func(ctx context.Context, l receiverLink) error { return l.Close(ctx) },
			func(l receiverLink) bool { return l.IsOpen() },
		),
	}
}

// Exclusive reports whether the consumer asserts an owner level.
func (c *Consumer) Exclusive() bool {
	return c.config.OwnerLevel != nil
}

// Receive waits for the next message. The wait is bounded by the policy try
// timeout; an expired wait is retried like any other attempt.
func (c *Consumer) Receive(ctx context.Context) (message.ReceivedMessage, error) {
	cl := c.client
	l := loop{client: cl, op: opReceive, policy: c.policy}
	return run(ctx, l, func(ctx context.Context, a attempt) (message.ReceivedMessage, error) {
		link, err := c.link.GetOrCreate(ctx, min(cl.scope.SessionTimeout(), a.remaining()))
		if err != nil {
			return message.ReceivedMessage{}, err
		}
		return bounded(ctx, l, a, func(ctx context.Context) (message.ReceivedMessage, error) {
			if err := cl.authorize(ctx); err != nil {
				return message.ReceivedMessage{}, err
			}
			raw, err := link.Receive(ctx)
			if err != nil {
				return message.ReceivedMessage{}, err
			}
			return message.FromAMQP(raw), nil
		})
	})
}

// Complete settles msg on the link it was received on. It is not retried:
// a message received on a link that has since faulted cannot be settled.
func (c *Consumer) Complete(ctx context.Context, msg message.ReceivedMessage) error {
	if msg.Raw() == nil {
		return sberr.New(sberr.KindProtocol, opSettle, c.client.entity, ErrNotReceived)
	}
	link, ok := c.link.TryGetOpen()
	if !ok {
		return sberr.New(sberr.KindTransport, opSettle, c.client.entity, ErrLinkLost)
	}
	if err := link.Accept(ctx, msg.Raw()); err != nil {
		return sberr.Translate(opSettle, c.client.entity, err)
	}
	return nil
}

func (c *Consumer) Close(ctx context.Context) error {
	return c.link.Close(ctx)
}
