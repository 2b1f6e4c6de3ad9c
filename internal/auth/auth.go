// Package auth provides credential providers and the access token cache used
// by the transport client.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrEmptyToken   = errors.New("auth: credential returned an empty token")
	ErrMissingKey   = errors.New("auth: shared access key name and key are required")
)

const (
	// TokenTypeSAS is the CBS token type for shared access signatures.
	TokenTypeSAS = "servicebus.windows.net:sastoken"
	// TokenTypeJWT is the CBS token type for bearer tokens.
	TokenTypeJWT = "jwt"

	DefaultSASTokenTTL = time.Hour
)

// AccessToken is an immutable token snapshot.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// TokenType reports the CBS token type for the token contents.
func (t AccessToken) TokenType() string {
	if strings.HasPrefix(t.Token, "SharedAccessSignature ") {
		return TokenTypeSAS
	}
	return TokenTypeJWT
}

// TokenCredential produces access tokens for an audience.
type TokenCredential interface {
	GetToken(ctx context.Context, audience string) (AccessToken, error)
}

// CredentialFunc adapts a function into a TokenCredential.
type CredentialFunc func(ctx context.Context, audience string) (AccessToken, error)

func (f CredentialFunc) GetToken(ctx context.Context, audience string) (AccessToken, error) {
	return f(ctx, audience)
}

// StaticCredential returns a fixed, pre-generated token.
// It is intended for development and pre-signed SAS tokens.
type StaticCredential struct {
	Token     string
	ExpiresOn time.Time
}

func (s StaticCredential) GetToken(ctx context.Context, _ string) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	if s.Token == "" {
		return AccessToken{}, ErrUnauthorized
	}
	expires := s.ExpiresOn
	if expires.IsZero() {
		expires = time.Now().Add(24 * time.Hour)
	}
	return AccessToken{Token: s.Token, ExpiresOn: expires}, nil
}

// SharedAccessKeyCredential signs shared access signatures locally.
type SharedAccessKeyCredential struct {
	KeyName string
	Key     string
	// TTL defaults to DefaultSASTokenTTL.
	TTL time.Duration

	now func() time.Time
}

func (c SharedAccessKeyCredential) GetToken(ctx context.Context, audience string) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	if c.KeyName == "" || c.Key == "" {
		return AccessToken{}, ErrMissingKey
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultSASTokenTTL
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	expiresOn := now().Add(ttl).Truncate(time.Second)
	return AccessToken{
		Token:     SignSAS(audience, c.KeyName, c.Key, expiresOn),
		ExpiresOn: expiresOn,
	}, nil
}

// SignSAS builds a SharedAccessSignature token for resource.
func SignSAS(resource, keyName, key string, expiresOn time.Time) string {
	encoded := url.QueryEscape(resource)
	expiry := strconv.FormatInt(expiresOn.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(encoded + "\n" + expiry))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		encoded, url.QueryEscape(sig), expiry, url.QueryEscape(keyName))
}
