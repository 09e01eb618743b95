package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application config.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Store  StoreConfig  `koanf:"store"`
	Pool   PoolConfig   `koanf:"pool"`
	Users  UsersConfig  `koanf:"users"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	Host      string `koanf:"host"`
	AdminPort int    `koanf:"admin_port"`
	Mode      string `koanf:"mode"` // debug | release
}

type StoreConfig struct {
	WindowSize int    `koanf:"window_size"` // D: sealed days a query may span
	CachedDays int    `koanf:"cached_days"` // S: sealed days resident in memory
	DataDir    string `koanf:"data_dir"`
}

type PoolConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

type UsersConfig struct {
	Path string `koanf:"path"` // empty: users.dat inside store.data_dir
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.AdminPort)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid server.admin_port %d (must be 1-65535)", c.Server.AdminPort)
	}
	if c.Server.AdminPort == c.Server.Port {
		return fmt.Errorf("server.admin_port must differ from server.port")
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if c.Store.WindowSize < 1 {
		return fmt.Errorf("store.window_size must be >= 1, got %d", c.Store.WindowSize)
	}
	if c.Store.CachedDays < 0 || c.Store.CachedDays >= c.Store.WindowSize {
		return fmt.Errorf("store.cached_days must satisfy 0 <= S < window_size, got %d", c.Store.CachedDays)
	}
	if strings.TrimSpace(c.Store.DataDir) == "" {
		return fmt.Errorf("store.data_dir is required")
	}

	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("pool.queue_size must be > 0")
	}

	return nil
}

// Load parses config from defaults, an optional YAML file, and DAYLINE_*
// environment variables, then validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":       5000,
		"server.host":       "0.0.0.0",
		"server.admin_port": 5080,
		"server.mode":       "release",
		"store.window_size": 7,
		"store.cached_days": 3,
		"store.data_dir":    "./data",
		"pool.workers":      8,
		"pool.queue_size":   4096,
		"users.path":        "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("DAYLINE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DAYLINE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
