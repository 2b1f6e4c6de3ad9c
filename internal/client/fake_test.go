package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/management"
	"github.com/danmuck/sbtransport/internal/retry"
)

type requestHandler func(ctx context.Context, n int32, req *amqp.Message) (*management.Response, error)

type fakeScope struct {
	sessionTimeout time.Duration
	handler        requestHandler
	// beforeOpen runs inside every management link open when set.
	beforeOpen func(ctx context.Context) error
	// authorizeErr decides the outcome of the nth put-token when set.
	authorizeErr func(n int32) error

	disposed     atomic.Bool
	disposeErr   error
	disposeCalls atomic.Int32

	authorizeCalls atomic.Int32
	opens          atomic.Int32
	requests       atomic.Int32

	mu        sync.Mutex
	links     []*fakeManagementLink
	senders   []*fakeSenderLink
	receivers []*fakeReceiverLink
	lastRecv  amqpconn.ReceiverConfig
	lastReq   *amqp.Message

	// incoming feeds every receiver link the scope opens.
	incoming chan *amqp.Message
}

func newFakeScope(handler requestHandler) *fakeScope {
	return &fakeScope{
		sessionTimeout: time.Second,
		handler:        handler,
		incoming:       make(chan *amqp.Message, 8),
	}
}

func (s *fakeScope) SessionTimeout() time.Duration { return s.sessionTimeout }

func (s *fakeScope) IsDisposed() bool { return s.disposed.Load() }

func (s *fakeScope) Authorize(context.Context, string, auth.AccessToken) error {
	n := s.authorizeCalls.Add(1)
	if s.authorizeErr != nil {
		return s.authorizeErr(n)
	}
	return nil
}

func (s *fakeScope) OpenManagementLink(ctx context.Context, _ string) (managementLink, error) {
	s.opens.Add(1)
	if s.beforeOpen != nil {
		if err := s.beforeOpen(ctx); err != nil {
			return nil, err
		}
	}
	link := &fakeManagementLink{scope: s}
	s.mu.Lock()
	s.links = append(s.links, link)
	s.mu.Unlock()
	return link, nil
}

func (s *fakeScope) OpenSenderLink(context.Context, string) (senderLink, error) {
	s.opens.Add(1)
	link := &fakeSenderLink{}
	s.mu.Lock()
	s.senders = append(s.senders, link)
	s.mu.Unlock()
	return link, nil
}

func (s *fakeScope) OpenReceiverLink(_ context.Context, _ string, cfg amqpconn.ReceiverConfig) (receiverLink, error) {
	s.opens.Add(1)
	link := &fakeReceiverLink{incoming: s.incoming}
	s.mu.Lock()
	s.receivers = append(s.receivers, link)
	s.lastRecv = cfg
	s.mu.Unlock()
	return link, nil
}

func (s *fakeScope) Dispose(context.Context) error {
	s.disposeCalls.Add(1)
	if s.disposeErr != nil {
		return s.disposeErr
	}
	s.disposed.Store(true)
	return nil
}

func (s *fakeScope) lastRequest() *amqp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

type fakeManagementLink struct {
	scope   *fakeScope
	faulted atomic.Bool
	closed  atomic.Bool
}

func (l *fakeManagementLink) Request(ctx context.Context, req *amqp.Message) (*management.Response, error) {
	n := l.scope.requests.Add(1)
	l.scope.mu.Lock()
	l.scope.lastReq = req
	l.scope.mu.Unlock()
	return l.scope.handler(ctx, n, req)
}

func (l *fakeManagementLink) IsOpen() bool { return !l.closed.Load() && !l.faulted.Load() }

func (l *fakeManagementLink) Close(context.Context) error {
	l.closed.Store(true)
	return nil
}

type fakeSenderLink struct {
	sent   atomic.Int32
	closed atomic.Bool
}

func (l *fakeSenderLink) Send(context.Context, *amqp.Message) error {
	l.sent.Add(1)
	return nil
}

func (l *fakeSenderLink) Name() string { return "sender" }
func (l *fakeSenderLink) IsOpen() bool { return !l.closed.Load() }
func (l *fakeSenderLink) Close(context.Context) error {
	l.closed.Store(true)
	return nil
}

type fakeReceiverLink struct {
	incoming chan *amqp.Message
	accepted atomic.Int32
	closed   atomic.Bool
}

func (l *fakeReceiverLink) Receive(ctx context.Context) (*amqp.Message, error) {
	select {
	case msg := <-l.incoming:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeReceiverLink) Accept(context.Context, *amqp.Message) error {
	l.accepted.Add(1)
	return nil
}

func (l *fakeReceiverLink) Name() string { return "receiver" }
func (l *fakeReceiverLink) IsOpen() bool { return !l.closed.Load() }
func (l *fakeReceiverLink) Close(context.Context) error {
	l.closed.Store(true)
	return nil
}

// stepPolicy retries retryable failures exactly retries times.
type stepPolicy struct {
	retries int
	delay   time.Duration
	try     time.Duration
}

func (p stepPolicy) TryTimeout(int) time.Duration {
	if p.try > 0 {
		return p.try
	}
	return time.Second
}

func (p stepPolicy) RetryDelay(err error, attempt int) (time.Duration, bool) {
	return p.delay, attempt <= p.retries && retry.Retryable(err)
}

func status(code int, value map[string]any) *management.Response {
	return &management.Response{StatusCode: code, Body: value}
}
