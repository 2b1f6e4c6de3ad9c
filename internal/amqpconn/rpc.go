package amqpconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/management"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

var (
	ErrLinkClosed  = errors.New("amqpconn: link closed")
	ErrLinkFaulted = errors.New("amqpconn: link faulted")
)

type rpcResult struct {
	msg *amqp.Message
	err error
}

// RPCLink is a request/response channel over a sender and receiver pair.
// Responses are routed to waiters by correlation id; one goroutine per link
// drains the receiver.
type RPCLink struct {
	address string
	replyTo string
	session Session
	sender  Sender
	recv    Receiver
	onFault func(error)

	mu      sync.Mutex
	pending map[string]chan rpcResult
	fault   error
	closed  bool

	stop context.CancelFunc
	done chan struct{}
}

func newRPCLink(ctx context.Context, conn Conn, address string, onFault func(error)) (*RPCLink, error) {
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc session %s: %w", address, err)
	}

	id := xid.New().String()
	replyTo := address + "-reply-" + id
	sender, err := session.NewSender(ctx, address, &amqp.SenderOptions{
		Name: address + "-sender-" + id,
	})
	if err != nil {
		_ = session.Close(context.Background())
		return nil, fmt.Errorf("rpc sender %s: %w", address, err)
	}
	recv, err := session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		Name:          address + "-receiver-" + id,
		TargetAddress: replyTo,
		Credit:        200,
	})
	if err != nil {
		_ = sender.Close(context.Background())
		_ = session.Close(context.Background())
		return nil, fmt.Errorf("rpc receiver %s: %w", address, err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	l := &RPCLink{
		address: address,
		replyTo: replyTo,
		session: session,
		sender:  sender,
		recv:    recv,
		onFault: onFault,
		pending: make(map[string]chan rpcResult),
		stop:    stop,
		done:    make(chan struct{}),
	}
	go l.receiveLoop(loopCtx)
	return l, nil
}

// Request sends msg and waits for the response correlated to it.
func (l *RPCLink) Request(ctx context.Context, msg *amqp.Message) (*management.Response, error) {
	if msg.Properties == nil {
		msg.Properties = &amqp.MessageProperties{}
	}
	id := xid.New().String()
	msg.Properties.MessageID = id
	replyTo := l.replyTo
	msg.Properties.ReplyTo = &replyTo

	ch := make(chan rpcResult, 1)
	l.mu.Lock()
	if err := l.unusableLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.pending[id] = ch
	l.mu.Unlock()

	if err := l.sender.Send(ctx, msg, nil); err != nil {
		l.forget(id)
		if isLinkFault(err) {
			l.fail(err)
		}
		return nil, fmt.Errorf("rpc send %s: %w", l.address, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		resp, err := management.ParseResponse(res.msg)
		if err != nil {
			return nil, fmt.Errorf("rpc response %s: %w", l.address, err)
		}
		return resp, nil
	case <-ctx.Done():
		l.forget(id)
		return nil, ctx.Err()
	}
}

// IsOpen reports whether the link can carry requests.
func (l *RPCLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unusableLocked() == nil
}

// Close detaches the link and waits for the receive loop to exit. Repeated
// calls return nil.
func (l *RPCLink) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.failPendingLocked(ErrLinkClosed)
	l.mu.Unlock()

	l.stop()
	err := errors.Join(
		l.recv.Close(ctx),
		l.sender.Close(ctx),
		l.session.Close(ctx),
	)
	<-l.done
	if err != nil {
		return fmt.Errorf("close rpc link %s: %w", l.address, err)
	}
	return nil
}

func (l *RPCLink) receiveLoop(ctx context.Context) {
	defer close(l.done)
	for {
		msg, err := l.recv.Receive(ctx, nil)
		if err != nil {
			l.fail(err)
			return
		}
		if err := l.recv.AcceptMessage(ctx, msg); err != nil {
			log.Debug().Str("component", "amqpconn").Str("address", l.address).Err(err).Msg("amqpconn.rpc accept failed")
		}

		id := correlationID(msg)
		l.mu.Lock()
		ch, ok := l.pending[id]
		delete(l.pending, id)
		l.mu.Unlock()
		if !ok {
			log.Debug().Str("component", "amqpconn").Str("address", l.address).Str("correlation_id", id).Msg("amqpconn.rpc unmatched response")
			continue
		}
		ch <- rpcResult{msg: msg}
	}
}

// fail marks the link faulted and releases every waiter with err.
func (l *RPCLink) fail(err error) {
	l.mu.Lock()
	if l.closed || l.fault != nil {
		l.mu.Unlock()
		return
	}
	l.fault = err
	l.failPendingLocked(fmt.Errorf("%w: %s: %w", ErrLinkFaulted, l.address, err))
	l.mu.Unlock()

	log.Warn().Str("component", "amqpconn").Str("address", l.address).Err(err).Msg("amqpconn.rpc faulted")
	if l.onFault != nil {
		l.onFault(err)
	}
}

func (l *RPCLink) failPendingLocked(err error) {
	for id, ch := range l.pending {
		ch <- rpcResult{err: err}
		delete(l.pending, id)
	}
}

func (l *RPCLink) unusableLocked() error {
	if l.closed {
		return ErrLinkClosed
	}
	if l.fault != nil {
		return fmt.Errorf("%w: %s: %w", ErrLinkFaulted, l.address, l.fault)
	}
	return nil
}

func (l *RPCLink) forget(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func correlationID(msg *amqp.Message) string {
	if msg == nil || msg.Properties == nil {
		return ""
	}
	switch id := msg.Properties.CorrelationID.(type) {
	case string:
		return id
	case []byte:
		return string(id)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func isLinkFault(err error) bool {
	var linkErr *amqp.LinkError
	var sessionErr *amqp.SessionError
	var connErr *amqp.ConnError
	return errors.As(err, &linkErr) || errors.As(err, &sessionErr) || errors.As(err, &connErr)
}
