package client

import (
	"context"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/management"
)

// linkScope is the slice of amqpconn.Scope the client depends on.
type linkScope interface {
	SessionTimeout() time.Duration
	IsDisposed() bool
	Authorize(ctx context.Context, audience string, token auth.AccessToken) error
	OpenManagementLink(ctx context.Context, entity string) (managementLink, error)
	OpenSenderLink(ctx context.Context, entity string) (senderLink, error)
	OpenReceiverLink(ctx context.Context, entity string, cfg amqpconn.ReceiverConfig) (receiverLink, error)
	Dispose(ctx context.Context) error
}

type managementLink interface {
	Request(ctx context.Context, msg *amqp.Message) (*management.Response, error)
	IsOpen() bool
	Close(ctx context.Context) error
}

type senderLink interface {
	Send(ctx context.Context, msg *amqp.Message) error
	Name() string
	IsOpen() bool
	Close(ctx context.Context) error
}

type receiverLink interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	Accept(ctx context.Context, msg *amqp.Message) error
	Name() string
	IsOpen() bool
	Close(ctx context.Context) error
}

type scopeAdapter struct {
	*amqpconn.Scope
}

func (s scopeAdapter) OpenManagementLink(ctx context.Context, entity string) (managementLink, error) {
	link, err := s.Scope.OpenManagementLink(ctx, entity)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (s scopeAdapter) OpenSenderLink(ctx context.Context, entity string) (senderLink, error) {
	link, err := s.Scope.OpenSenderLink(ctx, entity)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (s scopeAdapter) OpenReceiverLink(ctx context.Context, entity string, cfg amqpconn.ReceiverConfig) (receiverLink, error) {
	link, err := s.Scope.OpenReceiverLink(ctx, entity, cfg)
	if err != nil {
		return nil, err
	}
	return link, nil
}
