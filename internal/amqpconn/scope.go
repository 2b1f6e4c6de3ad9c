package amqpconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/faulttolerant"
	"github.com/danmuck/sbtransport/internal/management"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

var ErrDisposed = errors.New("amqpconn: scope disposed")

// connection is one dialled AMQP connection with its CBS link and the
// audiences already authorized on it.
type connection struct {
	conn   Conn
	cbs    *faulttolerant.Object[*RPCLink]
	broken atomic.Bool

	mu     sync.Mutex
	claims map[string]string
}

func (c *connection) markBroken(err error) {
	if sberr.IsConnectionFault(err) && c.broken.CompareAndSwap(false, true) {
		log.Warn().Str("component", "amqpconn").Err(err).Msg("amqpconn.connection broken")
	}
}

func (c *connection) claimed(audience, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims[audience] == token
}

func (c *connection) claim(audience, token string) {
	c.mu.Lock()
	c.claims[audience] = token
	c.mu.Unlock()
}

// Scope owns the connection for one namespace. The connection is opened on
// first use and re-dialled after it breaks.
type Scope struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	conn     atomic.Pointer[faulttolerant.Object[*connection]]
	disposed atomic.Bool
}

func NewScope(cfg Config) (*Scope, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if cfg.ContainerID == "" {
		cfg.ContainerID = xid.New().String()
	}
	s := &Scope{cfg: cfg}
	if cfg.BreakerFailures > 0 {
		s.breaker = newDialBreaker(cfg)
	}
	s.conn.Store(s.newConnHandle())
	return s, nil
}

func (s *Scope) Endpoint() string {
	return s.cfg.Endpoint
}

// SessionTimeout bounds each open of a connection, session or link.
func (s *Scope) SessionTimeout() time.Duration {
	return s.cfg.SessionTimeout
}

func (s *Scope) IsDisposed() bool {
	return s.disposed.Load()
}

// Authorize puts token on the connection for audience through $cbs. A token
// already put for audience on the current connection is not sent again.
func (s *Scope) Authorize(ctx context.Context, audience string, token auth.AccessToken) error {
	c, err := s.connection(ctx)
	if err != nil {
		return err
	}
	if c.claimed(audience, token.Token) {
		return nil
	}
	cbs, err := c.cbs.GetOrCreate(ctx, s.openBudget(ctx))
	if err != nil {
		return err
	}
	req := management.PutTokenRequest(audience, token.Token, token.TokenType(), token.ExpiresOn)
	resp, err := cbs.Request(ctx, req)
	if err != nil {
		return fmt.Errorf("put-token %s: %w", audience, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		kind := sberr.KindProtocol
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = sberr.KindAuthentication
		}
		e := sberr.New(kind, "authorize", audience, nil)
		e.StatusCode = resp.StatusCode
		e.Condition = resp.Condition
		e.Description = resp.Description
		return e
	}
	c.claim(audience, token.Token)
	log.Debug().Str("component", "amqpconn").Str("audience", audience).Time("expires_on", token.ExpiresOn).Msg("amqpconn.authorize")
	return nil
}

// OpenManagementLink opens the request/response link to entity/$management.
func (s *Scope) OpenManagementLink(ctx context.Context, entity string) (*RPCLink, error) {
	c, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	link, err := newRPCLink(ctx, c.conn, entity+management.ManagementAddressSuffix, c.markBroken)
	if err != nil {
		c.markBroken(err)
		return nil, err
	}
	return link, nil
}

func (s *Scope) OpenSenderLink(ctx context.Context, entity string) (*SenderLink, error) {
	c, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	link, err := newSenderLink(ctx, c.conn, entity, c.markBroken)
	if err != nil {
		c.markBroken(err)
		return nil, err
	}
	return link, nil
}

func (s *Scope) OpenReceiverLink(ctx context.Context, entity string, cfg ReceiverConfig) (*ReceiverLink, error) {
	c, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	link, err := newReceiverLink(ctx, c.conn, entity, cfg, c.markBroken)
	if err != nil {
		c.markBroken(err)
		return nil, err
	}
	return link, nil
}

// Dispose closes the connection. On failure the scope is left usable so the
// caller may retry.
func (s *Scope) Dispose(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	handle := s.conn.Load()
	if err := handle.Close(ctx); err != nil {
		s.conn.Store(s.newConnHandle())
		s.disposed.Store(false)
		return fmt.Errorf("dispose scope %s: %w", s.cfg.Endpoint, err)
	}
	return nil
}

func (s *Scope) connection(ctx context.Context) (*connection, error) {
	if s.disposed.Load() {
		return nil, sberr.New(sberr.KindClientClosed, "connect", s.cfg.Endpoint, ErrDisposed)
	}
	return s.conn.Load().GetOrCreate(ctx, s.openBudget(ctx))
}

// openBudget is SessionTimeout, shortened to the ctx deadline.
func (s *Scope) openBudget(ctx context.Context) time.Duration {
	budget := s.cfg.SessionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(deadline))
	}
	return budget
}

func (s *Scope) newConnHandle() *faulttolerant.Object[*connection] {
	return faulttolerant.New("connection",
		s.dial,
		func(ctx context.Context, c *connection) error {
			return errors.Join(c.cbs.Close(ctx), c.conn.Close())
		},
		func(c *connection) bool { return !c.broken.Load() },
	)
}

func (s *Scope) dial(ctx context.Context) (*connection, error) {
	opts := &amqp.ConnOptions{
		ContainerID:  s.cfg.ContainerID,
		HostName:     s.cfg.host(),
		IdleTimeout:  s.cfg.IdleTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		MaxFrameSize: s.cfg.MaxFrameSize,
		SASLType:     amqp.SASLTypeAnonymous(),
	}
	if s.cfg.secure() {
		tlsCfg, err := s.cfg.clientTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts.TLSConfig = tlsCfg
	}

	var conn Conn
	dial := func() (any, error) {
		var err error
		conn, err = s.cfg.Dial(ctx, s.cfg.Endpoint, opts)
		return nil, err
	}
	var err error
	if s.breaker != nil {
		_, err = s.breaker.Execute(dial)
	} else {
		_, err = dial()
	}
	if err != nil {
		log.Warn().Str("component", "amqpconn").Str("endpoint", s.cfg.Endpoint).Err(err).Msg("amqpconn.dial failed")
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}
	log.Info().Str("component", "amqpconn").Str("endpoint", s.cfg.Endpoint).Str("container_id", s.cfg.ContainerID).Msg("amqpconn.dial")

	c := &connection{conn: conn, claims: make(map[string]string)}
	c.cbs = faulttolerant.New("cbs",
		func(ctx context.Context) (*RPCLink, error) {
			return newRPCLink(ctx, conn, management.CBSAddress, c.markBroken)
		},
		func(ctx context.Context, l *RPCLink) error { return l.Close(ctx) },
		func(l *RPCLink) bool { return l.IsOpen() },
	)
	return c, nil
}
