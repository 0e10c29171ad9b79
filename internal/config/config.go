// Package config handles application configuration from environment variables,
// an optional .env file and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"whisper-gateway/internal/logging"
)

// Backend kinds.
const (
	BackendProcess = "process"
	BackendRemote  = "remote"
)

// Config holds all application configuration.
type Config struct {
	// HTTP
	HTTPHost string `mapstructure:"http_host"`
	HTTPPort int    `mapstructure:"http_port" validate:"min=1,max=65535"`
	// CORSAllowedOrigins is a comma-separated origin list; "*" allows any,
	// empty disables CORS headers.
	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`

	// Dispatch
	Backend         string        `mapstructure:"backend" validate:"oneof=process remote"`
	DefaultLanguage string        `mapstructure:"default_language" validate:"required"`
	QueueCapacity   int           `mapstructure:"queue_capacity" validate:"min=1"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout" validate:"gt=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"min=1,ltefield=QueueCapacity"`
	MaxFileSize     string        `mapstructure:"max_file_size" validate:"required"`
	MaxFileBytes    int64         `mapstructure:"-"`

	// Health
	HealthInterval         time.Duration `mapstructure:"health_interval" validate:"gt=0"`
	HealthFailureThreshold int           `mapstructure:"health_failure_threshold" validate:"min=1"`

	// Process backend
	PythonPath         string        `mapstructure:"python_path"`
	WorkerScript       string        `mapstructure:"worker_script"`
	ProcessIdleTimeout time.Duration `mapstructure:"process_idle_timeout" validate:"gt=0"`

	// Whisper (passed to worker processes via env)
	WhisperModel       string `mapstructure:"whisper_model" validate:"required"`
	WhisperDevice      string `mapstructure:"whisper_device"`
	WhisperComputeType string `mapstructure:"whisper_compute_type"`
	ModelsDir          string `mapstructure:"models_dir"`

	// Remote backend
	RemoteURL     string        `mapstructure:"remote_url" validate:"required_if=Backend remote,omitempty,url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout" validate:"gt=0"`

	TmpDir string `mapstructure:"tmp_dir" validate:"required"`

	// RabbitMQ bridge, disabled when the URL is empty
	RabbitMQURL      string `mapstructure:"rabbitmq_url"`
	RabbitMQPrefetch int    `mapstructure:"rabbitmq_prefetch" validate:"min=0"`

	// Metrics export, disabled when the endpoint is empty
	OTLPEndpoint    string        `mapstructure:"otel_exporter_otlp_endpoint"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval" validate:"gt=0"`

	Logging logging.Config `mapstructure:",squash"`
}

var defaults = map[string]any{
	"http_host":                   "0.0.0.0",
	"http_port":                   9000,
	"cors_allowed_origins":        "*",
	"backend":                     BackendProcess,
	"default_language":            "en",
	"queue_capacity":              8,
	"queue_timeout":               "2m",
	"concurrency":                 1,
	"max_file_size":               "25MB",
	"health_interval":             "10s",
	"health_failure_threshold":    3,
	"python_path":                 "/usr/bin/python3",
	"worker_script":               "/app/python/worker.py",
	"process_idle_timeout":        "15m",
	"whisper_model":               "base",
	"whisper_device":              "cpu",
	"whisper_compute_type":        "int8",
	"models_dir":                  "./models",
	"remote_url":                  "http://127.0.0.1:8080",
	"remote_timeout":              "5m",
	"tmp_dir":                     filepath.Join(os.TempDir(), "whisper-gateway"),
	"rabbitmq_url":                "",
	"rabbitmq_prefetch":           0,
	"otel_exporter_otlp_endpoint": "",
	"metrics_interval":            "15s",
	"log_level":                   "info",
	"log_format":                  "console",
	"log_no_color":                false,
}

// Options selects optional config sources.
type Options struct {
	// ConfigFile is a YAML file read before the environment. Optional.
	ConfigFile string
	// EnvFile is a dotenv file loaded into the process environment. Optional;
	// "./.env" is tried when empty. ENV vars already set take precedence.
	EnvFile string
}

// Load reads configuration from the environment and optional files.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	} else {
		_ = godotenv.Load() // Ignore error, ENV vars take precedence
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.RabbitMQPrefetch == 0 {
		cfg.RabbitMQPrefetch = cfg.Concurrency
	}

	size, err := humanize.ParseBytes(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FILE_SIZE %q: %w", cfg.MaxFileSize, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("invalid MAX_FILE_SIZE %q: must be positive", cfg.MaxFileSize)
	}
	cfg.MaxFileBytes = int64(size)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and reports them with env var names.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return strings.ToUpper(name)
	})

	var msgs []string
	if err := v.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
		}
	}
	for _, origin := range c.AllowedOrigins() {
		if origin == "*" {
			continue
		}
		if err := v.Var(origin, "http_url"); err != nil {
			msgs = append(msgs, fmt.Sprintf("CORS_ALLOWED_ORIGINS entry %q is not an http(s) origin", origin))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// AllowedOrigins splits CORSAllowedOrigins into trimmed, non-empty entries.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// ModelName identifies the served model for health output.
func (c *Config) ModelName() string {
	if c.Backend == BackendRemote {
		return "whisper.cpp@" + c.RemoteURL
	}
	return "faster-whisper-" + c.WhisperModel
}

// GetPythonEnv returns environment variables to pass to worker processes.
func (c *Config) GetPythonEnv() []string {
	return []string{
		fmt.Sprintf("WHISPER_MODEL=%s", c.WhisperModel),
		fmt.Sprintf("WHISPER_DEVICE=%s", c.WhisperDevice),
		fmt.Sprintf("WHISPER_COMPUTE_TYPE=%s", c.WhisperComputeType),
		fmt.Sprintf("MODELS_DIR=%s", c.ModelsDir),
		fmt.Sprintf("DEFAULT_LANGUAGE=%s", c.DefaultLanguage),
		fmt.Sprintf("TMP_DIR=%s", c.TmpDir),
	}
}
