package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Template renders the defaults with placeholder endpoint, entity and key as
// a starting config in the given format ("toml" or "yaml").
func Template(format string) (string, error) {
	cfg := Default()
	cfg.Endpoint = "amqps://example.servicebus.windows.net"
	cfg.Entity = "orders"
	cfg.Auth.KeyName = "RootManageSharedAccessKey"
	cfg.Auth.Key = "replace-me"

	var (
		out []byte
		err error
	)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml":
		out, err = toml.Marshal(cfg)
	case "yaml", "yml":
		out, err = yaml.Marshal(cfg)
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", format, err)
	}
	return string(out), nil
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
