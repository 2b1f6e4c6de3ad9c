package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// cliConfig holds the settings sbctl itself needs around one client config.
type cliConfig struct {
	ID              string
	Listen          string
	ClientConfig    string
	ShutdownTimeout time.Duration
	CorsOrigins     []string
	Retry           retryOverride
}

// retryOverride replaces the client file's retry budget for CLI calls.
type retryOverride struct {
	MaxRetries *int
	TryTimeout time.Duration
}

type fileConfig struct {
	ID              string   `toml:"id"`
	Listen          string   `toml:"listen"`
	ClientConfig    string   `toml:"client_config"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	MaxRetries      int      `toml:"max_retries"`
	TryTimeout      string   `toml:"try_timeout"`
	CorsOrigins     []string `toml:"cors_origins"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		ID:              "sbctl",
		Listen:          "127.0.0.1:9400",
		ClientConfig:    "client.toml",
		ShutdownTimeout: 5 * time.Second,
	}
}

func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load sbctl config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("client_config") {
		clientPath := strings.TrimSpace(raw.ClientConfig)
		if clientPath != "" && !filepath.IsAbs(clientPath) {
			clientPath = filepath.Join(filepath.Dir(path), clientPath)
		}
		cfg.ClientConfig = clientPath
	} else {
		cfg.ClientConfig = filepath.Join(filepath.Dir(path), cfg.ClientConfig)
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if meta.IsDefined("max_retries") {
		if raw.MaxRetries < 0 {
			return cliConfig{}, fmt.Errorf("max_retries must be >= 0")
		}
		retries := raw.MaxRetries
		cfg.Retry.MaxRetries = &retries
	}

	if meta.IsDefined("try_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TryTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse try_timeout: %w", err)
		}
		cfg.Retry.TryTimeout = d
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if cfg.Listen == "" {
		return cliConfig{}, fmt.Errorf("sbctl config listen is empty")
	}
	return cfg, nil
}
