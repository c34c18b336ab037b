package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

const (
	EnvReplica = "REPLOG_REPLICA"
	EnvDataDir = "REPLOG_DATA_DIR"
)

// Load reads the config at path, YAML unless the extension is .toml. A
// missing file yields Default(). Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvReplica); v != "" {
		r, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return invalid("%s=%q", EnvReplica, v)
		}
		cfg.Node.Replica = uint32(r)
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.WAL.Dir = v
	}
	return nil
}
