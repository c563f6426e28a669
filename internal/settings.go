package internal

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Settings is the process-level configuration of the cache service
	Settings struct {
		Server ServerSettings `yaml:"server"`
		Cache  *Config        `yaml:"cache"`
		Logger LoggerConfig   `yaml:"logger"`
	}

	// ServerSettings configures the HTTP surface of the service
	ServerSettings struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RateLimit       int           `yaml:"rate_limit"`        // requests per window on the demo route
		RateLimitWindow time.Duration `yaml:"rate_limit_window"` // window length on the demo route
		TrustedProxies  []string      `yaml:"trusted_proxies"`   // proxies allowed to set X-Forwarded-For
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}
)

// DefaultSettings returns settings usable without a configuration file
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			RateLimitWindow: time.Minute,
		},
		Cache: DefaultConfig(),
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadSettings loads settings from a YAML file with environment variable
// support. Fields absent from the file keep their defaults. An empty path
// returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	settings := DefaultSettings()
	if path == "" {
		return settings, ValidateConfig(settings.Cache)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("failed to read settings file "+path, err)
	}

	// Resolve environment variables
	data = resolveEnv(data)
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, NewConfigurationError("failed to parse settings file "+path, err)
	}

	if settings.Cache == nil {
		settings.Cache = DefaultConfig()
	}
	if settings.Cache.RetryConfig == nil {
		settings.Cache.RetryConfig = DefaultRetryConfig()
	}

	if err := ValidateConfig(settings.Cache); err != nil {
		return nil, err
	}

	return settings, nil
}

var envPlaceholder = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces ${VAR} and ${VAR:default} placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPlaceholder.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
