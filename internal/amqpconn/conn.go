// Package amqpconn owns the AMQP connection to a broker namespace and opens
// the links the transport client runs over.
//
// go-amqp types are reached through the small Conn, Session, Sender and
// Receiver interfaces so tests can substitute in-memory fakes.
package amqpconn

import (
	"context"

	"github.com/Azure/go-amqp"
)

// Conn is an AMQP connection.
type Conn interface {
	NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error)
	Close() error
}

// Session is an AMQP session.
type Session interface {
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error)
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is an AMQP sending link.
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	LinkName() string
	Close(ctx context.Context) error
}

// Receiver is an AMQP receiving link.
type Receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	LinkName() string
	Close(ctx context.Context) error
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error)

// Dial connects with go-amqp.
func Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error) {
	conn, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

type connAdapter struct {
	conn *amqp.Conn
}

func (c *connAdapter) NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error) {
	session, err := c.conn.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sessionAdapter{session: session}, nil
}

func (c *connAdapter) Close() error {
	return c.conn.Close()
}

type sessionAdapter struct {
	session *amqp.Session
}

func (s *sessionAdapter) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error) {
	sender, err := s.session.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (s *sessionAdapter) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error) {
	receiver, err := s.session.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return receiver, nil
}

func (s *sessionAdapter) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}
