package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Definitions DefsConfig      `yaml:"definitions"`
	Storage     StorageConfig   `yaml:"storage"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Executor    ExecutorConfig  `yaml:"executor"`
	Redis       RedisConfig     `yaml:"redis"`
	OAuth       OAuthConfig     `yaml:"oauth"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`
}

type DefsConfig struct {
	Dir string `yaml:"dir"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver"` // "sqlite" (default) or "postgres"
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"` // postgres only
}

type SchedulerConfig struct {
	Tick string `yaml:"tick"` // Go duration string, e.g. 1m
}

type ExecutorConfig struct {
	Workers int `yaml:"workers"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the Redis run-log backend
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OAuthConfig struct {
	// Providers maps a provider name (e.g. "google") to its authorization
	// endpoint; the resolver appends service, profile and scopes as query
	// parameters when building auth URLs.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	AuthEndpoint string `yaml:"auth_endpoint"`
	ClientID     string `yaml:"client_id"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandSecrets(cfg *Config) {
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Redis.Addr = expandEnv(cfg.Redis.Addr)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	for name, p := range cfg.OAuth.Providers {
		p.ClientID = expandEnv(p.ClientID)
		cfg.OAuth.Providers[name] = p
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandSecrets(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8080"
	}
	if cfg.Definitions.Dir == "" {
		cfg.Definitions.Dir = "definitions"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Scheduler.Tick == "" {
		cfg.Scheduler.Tick = "1m"
	}
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = 4
	}
}

// TickInterval parses the scheduler tick setting.
func (c *Config) TickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scheduler.Tick)
	if err != nil {
		return 0, fmt.Errorf("invalid scheduler tick %q: %w", c.Scheduler.Tick, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler tick must be positive, got %q", c.Scheduler.Tick)
	}
	return d, nil
}
