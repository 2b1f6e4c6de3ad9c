// Package client implements the transport client: control operations against
// one broker entity over a shared, self-healing management link, with
// per-attempt time budgets and retry.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/faulttolerant"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("client: closed")
	ErrInvalidConfig = errors.New("client: invalid config")
)

// Config identifies the entity and how to reach and authorize against it.
type Config struct {
	// Host is the namespace host, e.g. ns.servicebus.windows.net.
	Host string
	// Entity is the queue or topic path.
	Entity     string
	Credential auth.TokenCredential
	// Connection.Endpoint defaults to amqps://Host.
	Connection amqpconn.Config
}

// Client is safe for concurrent use.
type Client struct {
	id       string
	entity   string
	audience string
	scope    linkScope
	tokens   *auth.Cache
	mgmt     *faulttolerant.Object[managementLink]
	logger   zerolog.Logger

	closed latch
}

func New(cfg Config) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	entity := strings.Trim(strings.TrimSpace(cfg.Entity), "/")
	if entity == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidConfig)
	}
	if cfg.Credential == nil {
		return nil, fmt.Errorf("%w: credential is required", ErrInvalidConfig)
	}
	conn := cfg.Connection
	if conn.Endpoint == "" {
		if host == "" {
			return nil, fmt.Errorf("%w: host or endpoint is required", ErrInvalidConfig)
		}
		conn.Endpoint = amqpconn.EndpointFor(host)
	}
	scope, err := amqpconn.NewScope(conn)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = strings.TrimPrefix(strings.TrimPrefix(scope.Endpoint(), "amqps://"), "amqp://")
	}
	return newClient(entity, Audience(host, entity), scopeAdapter{scope}, cfg.Credential), nil
}

func newClient(entity, audience string, scope linkScope, credential auth.TokenCredential) *Client {
	id := xid.New().String()
	c := &Client{
		id:       id,
		entity:   entity,
		audience: audience,
		scope:    scope,
		tokens:   auth.NewCache(credential, audience),
		logger:   log.With().Str("component", "client").Str("client_id", id).Str("entity", entity).Logger(),
	}
	c.mgmt = faulttolerant.New("management",
		func(ctx context.Context) (managementLink, error) {
			if err := c.authorize(ctx); err != nil {
				return nil, err
			}
			return c.scope.OpenManagementLink(ctx, c.entity)
		},
		func(ctx context.Context, l managementLink) error { return l.Close(ctx) },
		func(l managementLink) bool { return l.IsOpen() },
	)
	return c
}

// Audience is the resource tokens are requested and put for.
func Audience(host, entity string) string {
	return "amqp://" + host + "/" + entity
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Entity() string {
	return c.entity
}

func (c *Client) IsClosed() bool {
	return c.closed.isSet()
}

// Close tears down the management link and the connection scope. It is
// idempotent. The client is marked closed before teardown so concurrent
// calls fail fast; when teardown fails the mark is cleared and the error
// returned so Close can be retried.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.set() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		c.closed.reset()
		return sberr.Cancelled("close", c.entity, err)
	}
	if link, ok := c.mgmt.TryGetOpen(); ok {
		if err := link.Close(ctx); err != nil {
			c.closed.reset()
			c.logger.Error().Err(err).Msg("client.close management link failed")
			return fmt.Errorf("close management link: %w", err)
		}
	}
	if err := c.scope.Dispose(ctx); err != nil {
		c.closed.reset()
		c.logger.Error().Err(err).Msg("client.close scope failed")
		return fmt.Errorf("close scope: %w", err)
	}
	if err := c.mgmt.Close(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("client.close management handle")
	}
	c.logger.Info().Msg("client.close")
	return nil
}

// CreateSender returns a sender whose link opens on first Send.
func (c *Client) CreateSender(policy retry.Policy) (*Sender, error) {
	if c.closed.isSet() {
		return nil, sberr.New(sberr.KindClientClosed, "create_sender", c.entity, ErrClosed)
	}
	return newSender(c, policy), nil
}

// ConsumerOptions selects consumer semantics.
type ConsumerOptions struct {
	TrackLastEnqueued bool
	// OwnerLevel makes the consumer exclusive when set.
	OwnerLevel    *int64
	PrefetchCount *uint32
	SessionID     string
}

// CreateConsumer returns a consumer whose link opens on first Receive.
func (c *Client) CreateConsumer(policy retry.Policy, opts ConsumerOptions) (*Consumer, error) {
	if c.closed.isSet() {
		return nil, sberr.New(sberr.KindClientClosed, "create_consumer", c.entity, ErrClosed)
	}
	cfg := amqpconn.ReceiverConfig{
		OwnerLevel:        opts.OwnerLevel,
		SessionID:         opts.SessionID,
		TrackLastEnqueued: opts.TrackLastEnqueued,
	}
	if opts.PrefetchCount != nil {
		cfg.PrefetchCount = *opts.PrefetchCount
	}
	return newConsumer(c, policy, cfg), nil
}

// authorize puts the current token on the connection.
func (c *Client) authorize(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	return c.putToken(ctx, token)
}

// putToken authorizes token on the connection. A token the broker rejects is
// dropped from the cache so the next operation fetches a fresh one.
func (c *Client) putToken(ctx context.Context, token auth.AccessToken) error {
	err := c.scope.Authorize(ctx, c.audience, token)
	if err != nil && sberr.KindOf(err) == sberr.KindAuthentication {
		c.tokens.Invalidate()
		c.logger.Warn().Err(err).Msg("client.authorize token rejected")
	}
	return err
}
