// Package config holds the process-wide server configuration. It is
// populated once at startup (file, then environment, then flags) and
// treated as read-only afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/cybergym/internal/task"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// AuthConfig holds the API-key gate for the private endpoints.
type AuthConfig struct {
	APIKey     string `yaml:"api_key"`
	APIKeyName string `yaml:"api_key_name"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m" as well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SandboxConfig holds container execution settings.
type SandboxConfig struct {
	DockerTimeout Duration `yaml:"docker_timeout"`
	CmdTimeout    Duration `yaml:"cmd_timeout"`
	// BinaryDir holds prebuilt output trees for oss-fuzz-latest tasks;
	// leaving it empty disables that task kind.
	BinaryDir string `yaml:"binary_dir"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct.
type Config struct {
	Server        ServerConfig  `yaml:"server"`
	Salt          string        `yaml:"salt"`
	LogDir        string        `yaml:"log_dir"`
	DBPath        string        `yaml:"db_path"`
	PostgresDSN   string        `yaml:"pg_dsn"`
	MaxFileSizeMB int           `yaml:"max_file_size_mb"`
	Auth          AuthConfig    `yaml:"auth"`
	Sandbox       SandboxConfig `yaml:"sandbox"`
	Metrics       MetricsConfig `yaml:"metrics"`
	Tracing       TracingConfig `yaml:"tracing"`
}

// DefaultConfig returns a Config with the stock defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8666,
			LogLevel:  "info",
			LogFormat: "text",
		},
		Salt:          task.DefaultSalt,
		LogDir:        "./logs",
		DBPath:        "./poc.db",
		MaxFileSizeMB: 10,
		Auth: AuthConfig{
			APIKey:     "cybergym-030a0cd7-5908-4862-8ab9-91f2bfc7b56d",
			APIKeyName: "X-API-Key",
		},
		Sandbox: SandboxConfig{
			DockerTimeout: Duration(30 * time.Second),
			CmdTimeout:    Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cybergym",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "cybergym",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies CYBERGYM_-prefixed environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CYBERGYM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CYBERGYM_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CYBERGYM_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("CYBERGYM_LOG_FORMAT"); v != "" {
		cfg.Server.LogFormat = v
	}
	if v := os.Getenv("CYBERGYM_SALT"); v != "" {
		cfg.Salt = v
	}
	if v := os.Getenv("CYBERGYM_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("CYBERGYM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CYBERGYM_PG_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("CYBERGYM_BINARY_DIR"); v != "" {
		cfg.Sandbox.BinaryDir = v
	}
	if v := os.Getenv("CYBERGYM_MAX_FILE_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxFileSizeMB = n
		}
	}
	if v := os.Getenv("CYBERGYM_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("CYBERGYM_API_KEY_NAME"); v != "" {
		cfg.Auth.APIKeyName = v
	}
	if v := os.Getenv("CYBERGYM_DOCKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.DockerTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CYBERGYM_CMD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.CmdTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CYBERGYM_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("CYBERGYM_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv("CYBERGYM_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("CYBERGYM_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("CYBERGYM_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("CYBERGYM_TRACING_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := os.Getenv("CYBERGYM_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
