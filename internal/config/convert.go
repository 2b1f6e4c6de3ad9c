package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/client"
	"github.com/danmuck/sbtransport/internal/retry"
)

func (c ClientConfig) RetryOptions() (retry.Options, error) {
	mode, err := retry.ParseMode(strings.ToLower(strings.TrimSpace(c.Retry.Mode)))
	if err != nil {
		return retry.Options{}, err
	}
	opts := retry.Options{
		Mode:          mode,
		MaxRetries:    c.Retry.MaxRetries,
		Delay:         c.Retry.Delay.Std(),
		MaxDelay:      c.Retry.MaxDelay.Std(),
		TryTimeout:    c.Retry.TryTimeout.Std(),
		MaxTryTimeout: c.Retry.MaxTryTimeout.Std(),
		JitterFactor:  c.Retry.JitterFactor,
	}
	if err := opts.Validate(); err != nil {
		return retry.Options{}, err
	}
	return opts, nil
}

func (c ClientConfig) Policy() (retry.Policy, error) {
	opts, err := c.RetryOptions()
	if err != nil {
		return nil, err
	}
	return retry.NewPolicy(opts)
}

func (c ClientConfig) AMQPConfig() amqpconn.Config {
	conn := c.Connection
	return amqpconn.Config{
		Endpoint:        normalizeEndpoint(c.Endpoint),
		SessionTimeout:  conn.SessionTimeout.Std(),
		IdleTimeout:     conn.IdleTimeout.Std(),
		WriteTimeout:    conn.WriteTimeout.Std(),
		MaxFrameSize:    conn.MaxFrameSize,
		BreakerFailures: conn.BreakerFailures,
		BreakerCooldown: conn.BreakerCooldown.Std(),
		TLS: amqpconn.TLSConfig{
			CAFile:             conn.TLS.CAFile,
			ServerName:         conn.TLS.ServerName,
			InsecureSkipVerify: conn.TLS.InsecureSkipVerify,
			CertFile:           conn.TLS.CertFile,
			KeyFile:            conn.TLS.KeyFile,
		},
	}
}

// Credential returns a pre-signed token credential when Auth.Token is set and
// a shared access key credential otherwise.
func (c ClientConfig) Credential() (auth.TokenCredential, error) {
	if err := ValidateAuthConfig(c.Auth); err != nil {
		return nil, err
	}
	if c.Auth.Token != "" {
		return auth.StaticCredential{Token: c.Auth.Token, ExpiresOn: signatureExpiry(c.Auth.Token)}, nil
	}
	return auth.SharedAccessKeyCredential{
		KeyName: c.Auth.KeyName,
		Key:     c.Auth.Key,
		TTL:     c.Auth.TokenTTL.Std(),
	}, nil
}

// ClientOptions converts the file form into client.Config.
func (c ClientConfig) ClientOptions() (client.Config, error) {
	if err := ValidateClientConfig(c); err != nil {
		return client.Config{}, err
	}
	cred, err := c.Credential()
	if err != nil {
		return client.Config{}, err
	}
	conn := c.AMQPConfig()
	u, err := url.Parse(conn.Endpoint)
	if err != nil {
		return client.Config{}, fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	return client.Config{
		Host:       u.Host,
		Entity:     c.Entity,
		Credential: cred,
		Connection: conn,
	}, nil
}

// signatureExpiry reads the se= field of a shared access signature. A
// signature without one is treated as expiring in a day.
func signatureExpiry(token string) time.Time {
	body := strings.TrimPrefix(token, "SharedAccessSignature ")
	for _, field := range strings.Split(body, "&") {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key != "se" {
			continue
		}
		if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	}
	return time.Now().Add(24 * time.Hour)
}

// normalizeEndpoint maps a bare host or an sb:// namespace address to amqps.
func normalizeEndpoint(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if host, ok := strings.CutPrefix(raw, "sb://"); ok {
		return amqpconn.EndpointFor(host)
	}
	return amqpconn.EndpointFor(raw)
}
