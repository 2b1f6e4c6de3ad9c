package amqpconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("amqpconn: invalid config")

// TLSConfig configures the client side of amqps connections.
type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	CertFile           string
	KeyFile            string
}

// Config defines connection reliability settings.
type Config struct {
	// Endpoint is the namespace address, e.g. amqps://ns.servicebus.windows.net.
	Endpoint    string
	ContainerID string

	// SessionTimeout bounds opening a connection, session or link.
	SessionTimeout time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   uint32
	TLS            TLSConfig

	// BreakerFailures consecutive dial failures open the dial breaker for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Dial defaults to Dial.
	Dial DialFunc
}

func DefaultConfig() Config {
	return Config{
		SessionTimeout:  30 * time.Second,
		IdleTimeout:     time.Minute,
		WriteTimeout:    30 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BreakerFailures > 0 && c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.Dial == nil {
		c.Dial = Dial
	}
	return c
}

// Validate checks the endpoint and TLS file pairing.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "amqp", "amqps":
	default:
		return fmt.Errorf("%w: endpoint scheme must be amqp or amqps, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: endpoint host is required", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file must be set together", ErrInvalidConfig)
	}
	return nil
}

// EndpointFor builds the amqps endpoint for a namespace host.
func EndpointFor(host string) string {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") {
		return host
	}
	return "amqps://" + host
}

func (c Config) host() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (c Config) secure() bool {
	return strings.HasPrefix(c.Endpoint, "amqps://")
}

func (c Config) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		serverName = c.host()
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("amqpconn: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
