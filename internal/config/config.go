package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sbtransport/internal/amqpconn"
	"github.com/danmuck/sbtransport/internal/retry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid client config")

// Duration is a time.Duration written as "30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ClientConfig is the file form of one entity client.
type ClientConfig struct {
	// ConnectionString fills Endpoint, Entity and Auth where they are unset.
	ConnectionString string           `toml:"connection_string,omitempty" yaml:"connection_string,omitempty"`
	Endpoint         string           `toml:"endpoint" yaml:"endpoint"`
	Entity           string           `toml:"entity" yaml:"entity"`
	Auth             AuthConfig       `toml:"auth" yaml:"auth"`
	Retry            RetryConfig      `toml:"retry" yaml:"retry"`
	Connection       ConnectionConfig `toml:"connection" yaml:"connection"`
}

type AuthConfig struct {
	KeyName string `toml:"key_name" yaml:"key_name"`
	Key     string `toml:"key" yaml:"key"`
	// Token is a pre-signed shared access signature.
	Token    string   `toml:"token,omitempty" yaml:"token,omitempty"`
	TokenTTL Duration `toml:"token_ttl" yaml:"token_ttl"`
}

type RetryConfig struct {
	Mode          string   `toml:"mode" yaml:"mode"`
	MaxRetries    int      `toml:"max_retries" yaml:"max_retries"`
	Delay         Duration `toml:"delay" yaml:"delay"`
	MaxDelay      Duration `toml:"max_delay" yaml:"max_delay"`
	TryTimeout    Duration `toml:"try_timeout" yaml:"try_timeout"`
	MaxTryTimeout Duration `toml:"max_try_timeout" yaml:"max_try_timeout"`
	JitterFactor  float64  `toml:"jitter_factor" yaml:"jitter_factor"`
}

type ConnectionConfig struct {
	SessionTimeout  Duration  `toml:"session_timeout" yaml:"session_timeout"`
	IdleTimeout     Duration  `toml:"idle_timeout" yaml:"idle_timeout"`
	WriteTimeout    Duration  `toml:"write_timeout" yaml:"write_timeout"`
	MaxFrameSize    uint32    `toml:"max_frame_size" yaml:"max_frame_size"`
	BreakerFailures uint32    `toml:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown Duration  `toml:"breaker_cooldown" yaml:"breaker_cooldown"`
	TLS             TLSConfig `toml:"tls" yaml:"tls"`
}

type TLSConfig struct {
	CAFile             string `toml:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	ServerName         string `toml:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string `toml:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// Default returns a config carrying the retry and connection defaults.
func Default() ClientConfig {
	r := retry.DefaultOptions()
	c := amqpconn.DefaultConfig()
	return ClientConfig{
		Auth: AuthConfig{TokenTTL: Duration(time.Hour)},
		Retry: RetryConfig{
			Mode:          r.Mode.String(),
			MaxRetries:    r.MaxRetries,
			Delay:         Duration(r.Delay),
			MaxDelay:      Duration(r.MaxDelay),
			TryTimeout:    Duration(r.TryTimeout),
			MaxTryTimeout: Duration(r.TryTimeout),
			JitterFactor:  r.JitterFactor,
		},
		Connection: ConnectionConfig{
			SessionTimeout:  Duration(c.SessionTimeout),
			IdleTimeout:     Duration(c.IdleTimeout),
			WriteTimeout:    Duration(c.WriteTimeout),
			BreakerFailures: c.BreakerFailures,
			BreakerCooldown: Duration(c.BreakerCooldown),
		},
	}
}

// Load reads a TOML or YAML client config, chosen by file extension, over
// the defaults and validates it.
func Load(path string) (ClientConfig, error) {
	var (
		cfg ClientConfig
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	case ".toml", "":
		cfg, err = loadTOML(path)
	default:
		return ClientConfig{}, fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	if err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadTOML(path string) (ClientConfig, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if meta.IsDefined("connection_string") {
		if err := cfg.applyConnectionString(); err != nil {
			return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if meta.IsDefined("retry", "try_timeout") && !meta.IsDefined("retry", "max_try_timeout") {
		cfg.Retry.MaxTryTimeout = cfg.Retry.TryTimeout
	}
	return cfg, nil
}

func loadYAML(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if cfg.ConnectionString != "" {
		if err := cfg.applyConnectionString(); err != nil {
			return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if cfg.Retry.MaxTryTimeout < cfg.Retry.TryTimeout {
		cfg.Retry.MaxTryTimeout = cfg.Retry.TryTimeout
	}
	return cfg, nil
}

func (c *ClientConfig) applyConnectionString() error {
	cs, err := ParseConnectionString(c.ConnectionString)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = cs.AMQPEndpoint()
	}
	if strings.TrimSpace(c.Entity) == "" {
		c.Entity = cs.EntityPath
	}
	if c.Auth.KeyName == "" && c.Auth.Key == "" && c.Auth.Token == "" {
		c.Auth.KeyName = cs.KeyName
		c.Auth.Key = cs.Key
		c.Auth.Token = cs.SharedAccessSignature
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if strings.Trim(strings.TrimSpace(cfg.Entity), "/") == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidConfig)
	}
	if err := ValidateAuthConfig(cfg.Auth); err != nil {
		return err
	}
	if _, err := cfg.RetryOptions(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if err := cfg.AMQPConfig().Validate(); err != nil {
		return fmt.Errorf("%w: connection: %v", ErrInvalidConfig, err)
	}
	return nil
}

func ValidateAuthConfig(cfg AuthConfig) error {
	hasKey := cfg.KeyName != "" || cfg.Key != ""
	switch {
	case hasKey && cfg.Token != "":
		return fmt.Errorf("%w: auth key and token are mutually exclusive", ErrInvalidConfig)
	case hasKey && (cfg.KeyName == "" || cfg.Key == ""):
		return fmt.Errorf("%w: auth key_name and key must be set together", ErrInvalidConfig)
	case !hasKey && cfg.Token == "":
		return fmt.Errorf("%w: auth key or token is required", ErrInvalidConfig)
	case cfg.TokenTTL < 0:
		return fmt.Errorf("%w: auth token_ttl must be >= 0", ErrInvalidConfig)
	}
	return nil
}
