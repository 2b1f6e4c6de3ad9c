package amqpconn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Azure/go-amqp"
	"github.com/rs/xid"
)

const (
	PropertyEpoch         = "com.microsoft:epoch"
	CapabilityRuntimeInfo = "com.microsoft:enable-receiver-runtime-metric"
	SessionFilterName     = "com.microsoft:session-filter"
	SessionFilterCode     = uint64(0x00000137000000C)
)

// ReceiverConfig selects consumer semantics for a receiver link.
type ReceiverConfig struct {
	// OwnerLevel makes the receiver exclusive (epoch) when set.
	OwnerLevel *int64
	// PrefetchCount is the link credit. Zero keeps the go-amqp default.
	PrefetchCount uint32
	// SessionID binds the receiver to one session.
	SessionID string
	// TrackLastEnqueued asks the broker for runtime metrics on deliveries.
	TrackLastEnqueued bool
}

func (c ReceiverConfig) options(name string) *amqp.ReceiverOptions {
	opts := &amqp.ReceiverOptions{Name: name}
	if c.PrefetchCount > 0 {
		opts.Credit = int32(min(c.PrefetchCount, uint32(1<<31-1)))
	}
	if c.OwnerLevel != nil {
		opts.Properties = map[string]any{PropertyEpoch: *c.OwnerLevel}
	}
	if c.SessionID != "" {
		opts.Filters = []amqp.LinkFilter{
			amqp.NewLinkFilter(SessionFilterName, SessionFilterCode, c.SessionID),
		}
	}
	if c.TrackLastEnqueued {
		opts.DesiredCapabilities = []string{CapabilityRuntimeInfo}
	}
	return opts
}

// SenderLink sends messages to one entity.
type SenderLink struct {
	session Session
	sender  Sender
	onFault func(error)
	faulted atomic.Bool
	closed  atomic.Bool
}

func newSenderLink(ctx context.Context, conn Conn, entity string, onFault func(error)) (*SenderLink, error) {
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sender session %s: %w", entity, err)
	}
	sender, err := session.NewSender(ctx, entity, &amqp.SenderOptions{
		Name: entity + "-sender-" + xid.New().String(),
	})
	if err != nil {
		_ = session.Close(context.Background())
		return nil, fmt.Errorf("sender %s: %w", entity, err)
	}
	return &SenderLink{session: session, sender: sender, onFault: onFault}, nil
}

func (l *SenderLink) Name() string {
	return l.sender.LinkName()
}

func (l *SenderLink) Send(ctx context.Context, msg *amqp.Message) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.sender.Send(ctx, msg, nil); err != nil {
		if isLinkFault(err) {
			l.faulted.Store(true)
			if l.onFault != nil {
				l.onFault(err)
			}
		}
		return err
	}
	return nil
}

func (l *SenderLink) IsOpen() bool {
	return !l.closed.Load() && !l.faulted.Load()
}

func (l *SenderLink) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(l.sender.Close(ctx), l.session.Close(ctx))
}

// ReceiverLink receives and settles messages from one entity.
type ReceiverLink struct {
	session  Session
	receiver Receiver
	onFault  func(error)
	faulted  atomic.Bool
	closed   atomic.Bool
}

func newReceiverLink(ctx context.Context, conn Conn, entity string, cfg ReceiverConfig, onFault func(error)) (*ReceiverLink, error) {
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receiver session %s: %w", entity, err)
	}
	receiver, err := session.NewReceiver(ctx, entity, cfg.options(entity+"-receiver-"+xid.New().String()))
	if err != nil {
		_ = session.Close(context.Background())
		return nil, fmt.Errorf("receiver %s: %w", entity, err)
	}
	return &ReceiverLink{session: session, receiver: receiver, onFault: onFault}, nil
}

func (l *ReceiverLink) Name() string {
	return l.receiver.LinkName()
}

func (l *ReceiverLink) Receive(ctx context.Context) (*amqp.Message, error) {
	if l.closed.Load() {
		return nil, ErrLinkClosed
	}
	msg, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		l.observe(err)
		return nil, err
	}
	return msg, nil
}

// Accept settles msg as completed.
func (l *ReceiverLink) Accept(ctx context.Context, msg *amqp.Message) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := l.receiver.AcceptMessage(ctx, msg); err != nil {
		l.observe(err)
		return err
	}
	return nil
}

func (l *ReceiverLink) IsOpen() bool {
	return !l.closed.Load() && !l.faulted.Load()
}

func (l *ReceiverLink) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(l.receiver.Close(ctx), l.session.Close(ctx))
}

func (l *ReceiverLink) observe(err error) {
	if !isLinkFault(err) {
		return
	}
	l.faulted.Store(true)
	if l.onFault != nil {
		l.onFault(err)
	}
}
