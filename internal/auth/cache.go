package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/sbtransport/internal/observability"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/rs/zerolog/log"
)

// RefreshBuffer is how long before expiry a cached token is replaced.
const RefreshBuffer = 5 * time.Minute

// Cache holds the current token for one audience.
//
// Reads and writes go through an atomic snapshot with no lock. Callers that
// observe a stale token at the same time may each refresh; the last writer
// wins and every returned token was valid when fetched.
type Cache struct {
	credential TokenCredential
	audience   string
	now        func() time.Time

	current atomic.Pointer[AccessToken]
}

func NewCache(credential TokenCredential, audience string) *Cache {
	return &Cache{credential: credential, audience: audience, now: time.Now}
}

// Token returns the cached token or fetches a new one when the cached token
// is missing or expires within RefreshBuffer.
func (c *Cache) Token(ctx context.Context) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, sberr.Cancelled("token", c.audience, err)
	}
	if cached := c.current.Load(); cached != nil && c.fresh(*cached) {
		return *cached, nil
	}

	token, err := c.credential.GetToken(ctx, c.audience)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.RecordTokenRefresh("cancelled")
			return AccessToken{}, sberr.Cancelled("token", c.audience, ctxErr)
		}
		observability.RecordTokenRefresh("error")
		log.Warn().Str("component", "auth").Str("audience", c.audience).Err(err).Msg("auth.cache.refresh failed")
		return AccessToken{}, sberr.New(sberr.KindAuthentication, "token", c.audience, fmt.Errorf("get token: %w", err))
	}
	if token.Token == "" {
		observability.RecordTokenRefresh("empty")
		return AccessToken{}, sberr.New(sberr.KindAuthentication, "token", c.audience, ErrEmptyToken)
	}

	observability.RecordTokenRefresh("success")
	log.Debug().Str("component", "auth").Str("audience", c.audience).Time("expires_on", token.ExpiresOn).Msg("auth.cache.refresh")
	c.current.Store(&token)
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}

func (c *Cache) fresh(token AccessToken) bool {
	if token.Token == "" {
		return false
	}
	return token.ExpiresOn.After(c.now().Add(RefreshBuffer))
}
