package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the server configuration loaded from the TOML config file,
// with environment variables taking precedence over file values.
type Config struct {
	DatabaseURL string `toml:"database_url"`
	ListenAddr  string `toml:"listen_addr"`
	DockerHost  string `toml:"docker_host"`
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`
}

const defaultListenAddr = "0.0.0.0:3000"

// ResolvePath returns the config file to load. Search order: the explicit
// path (from --config), $MAZUADM_CONFIG, /etc/mazuadm/config.toml, then
// $XDG_CONFIG_HOME/mazuadm/config.toml or ~/.config/mazuadm/config.toml.
// An empty return with nil error means no config file exists, which is fine
// when DATABASE_URL is set in the environment.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if env := os.Getenv("MAZUADM_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config file not found: %s", env)
		}
		return env, nil
	}

	candidates := []string{"/etc/mazuadm/config.toml"}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "mazuadm", "config.toml"))
	} else if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "mazuadm", "config.toml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", nil
}

// Load reads the config file at path (may be empty), applies environment
// overrides and defaults, and validates that a database URL is present.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv("DATABASE_URL"); env != "" {
		cfg.DatabaseURL = env
	}
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		cfg.ListenAddr = env
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (config file or DATABASE_URL)")
	}

	return cfg, nil
}
