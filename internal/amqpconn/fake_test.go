package amqpconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Azure/go-amqp"
)

// fakeBroker answers requests sent on any fake sender. respond returns the
// reply for a request to address, or nil to send nothing.
type fakeBroker struct {
	mu        sync.Mutex
	receivers map[string]*fakeReceiver
	requests  []*amqp.Message
	respond   func(address string, req *amqp.Message) *amqp.Message

	dials   atomic.Int32
	dialErr error
	conns   []*fakeConn
}

func newFakeBroker(respond func(string, *amqp.Message) *amqp.Message) *fakeBroker {
	return &fakeBroker{receivers: make(map[string]*fakeReceiver), respond: respond}
}

func (b *fakeBroker) dial(_ context.Context, _ string, _ *amqp.ConnOptions) (Conn, error) {
	b.dials.Add(1)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBroker) requestsTo(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, req := range b.requests {
		if req.ApplicationProperties["operation"] == operation {
			n++
		}
	}
	return n
}

func (b *fakeBroker) deliver(address string, req *amqp.Message) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	respond := b.respond
	b.mu.Unlock()
	if respond == nil || req.Properties == nil || req.Properties.ReplyTo == nil {
		return
	}
	reply := respond(address, req)
	if reply == nil {
		return
	}
	if reply.Properties == nil {
		reply.Properties = &amqp.MessageProperties{}
	}
	reply.Properties.CorrelationID = req.Properties.MessageID

	b.mu.Lock()
	recv := b.receivers[*req.Properties.ReplyTo]
	b.mu.Unlock()
	if recv != nil {
		recv.push(reply)
	}
}

type fakeConn struct {
	broker *fakeBroker
	closed atomic.Bool
}

func (c *fakeConn) NewSession(context.Context, *amqp.SessionOptions) (Session, error) {
	if c.closed.Load() {
		return nil, &amqp.ConnError{}
	}
	return &fakeSession{conn: c}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeSession struct {
	conn   *fakeConn
	closed atomic.Bool
}

func (s *fakeSession) NewSender(_ context.Context, target string, opts *amqp.SenderOptions) (Sender, error) {
	return &fakeSender{broker: s.conn.broker, target: target, name: opts.Name}, nil
}

func (s *fakeSession) NewReceiver(_ context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error) {
	r := &fakeReceiver{
		source:   source,
		opts:     opts,
		incoming: make(chan *amqp.Message, 64),
		closing:  make(chan struct{}),
		failing:  make(chan error, 1),
	}
	if opts != nil && opts.TargetAddress != "" {
		s.conn.broker.mu.Lock()
		s.conn.broker.receivers[opts.TargetAddress] = r
		s.conn.broker.mu.Unlock()
	}
	return r, nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeSender struct {
	broker  *fakeBroker
	target  string
	name    string
	sendErr error
	closed  atomic.Bool
}

func (s *fakeSender) Send(_ context.Context, msg *amqp.Message, _ *amqp.SendOptions) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed.Load() {
		return &amqp.LinkError{}
	}
	go s.broker.deliver(s.target, msg)
	return nil
}

func (s *fakeSender) LinkName() string { return s.name }

func (s *fakeSender) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeReceiver struct {
	source    string
	opts      *amqp.ReceiverOptions
	incoming  chan *amqp.Message
	closing   chan struct{}
	closeOnce sync.Once
	failing   chan error
	accepted  atomic.Int32
}

func (r *fakeReceiver) push(msg *amqp.Message) {
	select {
	case r.incoming <- msg:
	case <-r.closing:
	}
}

func (r *fakeReceiver) Receive(ctx context.Context, _ *amqp.ReceiveOptions) (*amqp.Message, error) {
	select {
	case msg := <-r.incoming:
		return msg, nil
	case err := <-r.failing:
		return nil, err
	case <-r.closing:
		return nil, &amqp.LinkError{}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) AcceptMessage(context.Context, *amqp.Message) error {
	r.accepted.Add(1)
	return nil
}

func (r *fakeReceiver) LinkName() string {
	if r.opts == nil {
		return ""
	}
	return r.opts.Name
}

func (r *fakeReceiver) Close(context.Context) error {
	r.closeOnce.Do(func() { close(r.closing) })
	return nil
}

func okResponse(value any) *amqp.Message {
	return &amqp.Message{
		ApplicationProperties: map[string]any{"statusCode": int32(200)},
		Value:                 value,
	}
}

var errDialRefused = errors.New("connection refused")
