// Package config loads the agent server's configuration: a single
// YAML file for topology plus environment variables for secrets, the
// same split the teacher's internal/config/loader.go used before its
// multi-channel-bot config surface (Telegram/Discord/Slack, plugin
// migration, gateway broadcast) was dropped as out of scope for this
// system. What survives is the pattern: a nested Config struct with
// yaml tags and time.Duration fields, os.ExpandEnv over the raw file
// before unmarshal, and defaults applied after.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one agentserver process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Auth       AuthConfig       `yaml:"auth"`
	LLM        LLMConfig        `yaml:"llm"`
	Permission PermissionConfig `yaml:"permission"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the HTTP/SSE Surface's listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the durable Store backend.
type StoreConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path or postgres connection string.
	// Read from AGENTSERVER_STORE_DSN if unset, so a deployment never
	// has to put a credential-bearing DSN in the YAML file.
	DSN string `yaml:"dsn"`
}

// SandboxConfig configures the Sandbox FS's workspace root.
type SandboxConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AuthConfig configures the optional shared bearer token for write
// endpoints (spec.md §6 Environment). Both StaticToken and JWTSecret
// are read from environment variables, never the YAML file, since
// they are credentials.
type AuthConfig struct {
	StaticToken string `yaml:"-"`
	JWTSecret   string `yaml:"-"`
}

// LLMConfig selects the model provider and credentials.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey is read from an environment variable named by APIKeyEnv,
	// defaulting to ANTHROPIC_API_KEY / OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"-"`
}

// PermissionConfig configures the Permission Gate and its sweeper.
type PermissionConfig struct {
	DefaultMode      string        `yaml:"default_mode"` // ask | allow
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// TracingConfig configures OpenTelemetry export for runner steps and
// tool executions. Empty Endpoint disables export and falls back to a
// no-op tracer provider.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads path, expands environment variables, unmarshals into a
// Config, layers in environment-sourced secrets, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvSecrets(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnvSecrets(cfg *Config) {
	cfg.Auth.StaticToken = os.Getenv("AGENTSERVER_AUTH_TOKEN")
	cfg.Auth.JWTSecret = os.Getenv("AGENTSERVER_JWT_SECRET")
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = os.Getenv("AGENTSERVER_STORE_DSN")
	}

	keyEnv := cfg.LLM.APIKeyEnv
	if keyEnv == "" {
		switch cfg.LLM.Provider {
		case "openai":
			keyEnv = "OPENAI_API_KEY"
		default:
			keyEnv = "ANTHROPIC_API_KEY"
		}
	}
	cfg.LLM.APIKey = os.Getenv(keyEnv)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "agentserver.db"
	}
	if cfg.Sandbox.RootDir == "" {
		cfg.Sandbox.RootDir = "./workspace"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.Model = "gpt-4o"
		default:
			cfg.LLM.Model = "claude-sonnet-4-5"
		}
	}
	if cfg.Permission.DefaultMode == "" {
		cfg.Permission.DefaultMode = "ask"
	}
	if cfg.Permission.RequestTimeout == 0 {
		cfg.Permission.RequestTimeout = 5 * time.Minute
	}
	if cfg.Permission.SweepInterval == 0 {
		cfg.Permission.SweepInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "agentserver"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}
