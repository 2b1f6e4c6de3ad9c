package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/sbtransport/internal/auth"
	"github.com/danmuck/sbtransport/internal/retry"
	"github.com/danmuck/sbtransport/internal/testutil/testlog"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTOMLDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.toml", `
endpoint = "sb://ns.servicebus.windows.net/"
entity = "orders"

[auth]
key_name = "send"
key = "c2VjcmV0"

[retry]
mode = "fixed"
max_retries = 0
try_timeout = "10s"

[connection.tls]
server_name = "ns.servicebus.windows.net"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts, err := cfg.RetryOptions()
	if err != nil {
		t.Fatalf("retry options: %v", err)
	}
	if opts.Mode != retry.ModeFixed || opts.MaxRetries != 0 {
		t.Fatalf("unexpected retry overrides: %+v", opts)
	}
	if opts.TryTimeout != 10*time.Second || opts.MaxTryTimeout != 10*time.Second {
		t.Fatalf("try timeout should stay constant: %+v", opts)
	}
	if opts.Delay != retry.DefaultOptions().Delay {
		t.Fatalf("unset delay should keep default, got %v", opts.Delay)
	}

	conn := cfg.AMQPConfig()
	if conn.Endpoint != "amqps://ns.servicebus.windows.net" {
		t.Fatalf("unexpected endpoint: %q", conn.Endpoint)
	}
	if conn.SessionTimeout != 30*time.Second || conn.TLS.ServerName != "ns.servicebus.windows.net" {
		t.Fatalf("unexpected connection config: %+v", conn)
	}
}

func TestLoadTOMLRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.toml", `
endpoint = "amqps://ns"
entity = "orders"
retires = 3
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadTOMLBadDuration(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.toml", `
[retry]
delay = "abc"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadYAML(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.yaml", `
connection_string: "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=listen;SharedAccessKey=a2V5;EntityPath=orders"
retry:
  max_retries: 5
  delay: 250ms
connection:
  breaker_failures: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Entity != "orders" || cfg.Auth.KeyName != "listen" || cfg.Auth.Key != "a2V5" {
		t.Fatalf("connection string not applied: %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.Delay.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.AMQPConfig().BreakerFailures != 0 {
		t.Fatalf("breaker should be disabled")
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.yml", `
endpoint: amqps://ns
entity: orders
bogus: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestExplicitFieldsWinOverConnectionString(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, "client.toml", `
connection_string = "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessSignature=SharedAccessSignature sr=x&sig=y&se=1700000000&skn=k;EntityPath=orders"
entity = "payments"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Entity != "payments" {
		t.Fatalf("explicit entity should win: %q", cfg.Entity)
	}
	cred, err := cfg.Credential()
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	static, ok := cred.(auth.StaticCredential)
	if !ok {
		t.Fatalf("expected static credential, got %T", cred)
	}
	if !static.ExpiresOn.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected expiry: %v", static.ExpiresOn)
	}
}

func TestValidateClientConfig(t *testing.T) {
	testlog.Start(t)

	valid := Default()
	valid.Endpoint = "amqps://ns.servicebus.windows.net"
	valid.Entity = "orders"
	valid.Auth.KeyName = "k"
	valid.Auth.Key = "v"
	if err := ValidateClientConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ClientConfig)
	}{
		{name: "no endpoint", mutate: func(c *ClientConfig) { c.Endpoint = "" }},
		{name: "no entity", mutate: func(c *ClientConfig) { c.Entity = "/" }},
		{name: "no credentials", mutate: func(c *ClientConfig) { c.Auth = AuthConfig{} }},
		{name: "key and token", mutate: func(c *ClientConfig) { c.Auth.Token = "SharedAccessSignature sr=x" }},
		{name: "key without name", mutate: func(c *ClientConfig) { c.Auth.KeyName = "" }},
		{name: "bad retry mode", mutate: func(c *ClientConfig) { c.Retry.Mode = "linear" }},
		{name: "negative retries", mutate: func(c *ClientConfig) { c.Retry.MaxRetries = -1 }},
		{name: "bad scheme", mutate: func(c *ClientConfig) { c.Endpoint = "https://ns" }},
		{name: "cert without key", mutate: func(c *ClientConfig) { c.Connection.TLS.CertFile = "client.pem" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := ValidateClientConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected invalid config, got %v", err)
			}
		})
	}
}

func TestParseConnectionString(t *testing.T) {
	testlog.Start(t)

	cs, err := ParseConnectionString("Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=root;SharedAccessKey=abc=;EntityPath=/orders/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cs.Host != "ns.servicebus.windows.net" || cs.KeyName != "root" || cs.Key != "abc=" || cs.EntityPath != "orders" {
		t.Fatalf("unexpected parse: %+v", cs)
	}
	if cs.AMQPEndpoint() != "amqps://ns.servicebus.windows.net" {
		t.Fatalf("unexpected endpoint: %q", cs.AMQPEndpoint())
	}

	emulator, err := ParseConnectionString("Endpoint=sb://localhost:5672;SharedAccessKeyName=k;SharedAccessKey=v;UseDevelopmentEmulator=true")
	if err != nil {
		t.Fatalf("parse emulator: %v", err)
	}
	if emulator.AMQPEndpoint() != "amqp://localhost:5672" {
		t.Fatalf("unexpected emulator endpoint: %q", emulator.AMQPEndpoint())
	}

	for _, bad := range []string{
		"",
		"SharedAccessKeyName=k;SharedAccessKey=v",
		"Endpoint=sb://ns/;SharedAccessKeyName=k",
		"Endpoint=sb://ns/",
		"Endpoint=sb://ns/;SharedAccessKeyName=k;SharedAccessKey=v;SharedAccessSignature=s",
		"Endpoint=sb://ns/;garbage",
	} {
		if _, err := ParseConnectionString(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected invalid connection string for %q, got %v", bad, err)
		}
	}
}

func TestClientOptions(t *testing.T) {
	testlog.Start(t)

	cfg := Default()
	cfg.Endpoint = "ns.servicebus.windows.net"
	cfg.Entity = "orders"
	cfg.Auth.KeyName = "k"
	cfg.Auth.Key = "v"

	opts, err := cfg.ClientOptions()
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	if opts.Host != "ns.servicebus.windows.net" || opts.Connection.Endpoint != "amqps://ns.servicebus.windows.net" {
		t.Fatalf("unexpected client options: %+v", opts)
	}
	if _, ok := opts.Credential.(auth.SharedAccessKeyCredential); !ok {
		t.Fatalf("expected shared access key credential, got %T", opts.Credential)
	}
}

func TestTemplatesLoadBack(t *testing.T) {
	testlog.Start(t)

	for _, format := range []string{"toml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "client."+format)
			if err := WriteTemplate(path, format, false); err != nil {
				t.Fatalf("write template: %v", err)
			}
			if err := WriteTemplate(path, format, false); err == nil {
				t.Fatalf("expected refusal to overwrite")
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load template: %v", err)
			}
			if cfg.Entity != "orders" || cfg.Retry.TryTimeout.Std() != time.Minute {
				t.Fatalf("unexpected template config: %+v", cfg)
			}
		})
	}
	if _, err := Template("ini"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}
