package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Auth type constants
const (
	AuthTypeNone   = "none"
	AuthTypeBasic  = "basic"
	AuthTypeAPIKey = "apikey"
)

// AuthSettings configuration for authentication
type AuthSettings struct {
	Type    string            `mapstructure:"type"` // AuthTypeNone, AuthTypeBasic, or AuthTypeAPIKey
	Basic   BasicAuthSettings `mapstructure:"basic"`
	APIKeys []string          `mapstructure:"api_keys"`
}

// BasicAuthSettings configuration for basic auth
type BasicAuthSettings struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RetrySettings configuration for outbound catalog requests
type RetrySettings struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Wait        time.Duration `mapstructure:"wait"`
}

// Settings application settings
type Settings struct {
	BaseDir            string        `mapstructure:"base_dir"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Auth               AuthSettings  `mapstructure:"auth"`
	Retry              RetrySettings `mapstructure:"retry"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	MaxParallelSources int           `mapstructure:"max_parallel_sources"`
	ReloadInterval     time.Duration `mapstructure:"reload_interval"`
}

// LoadSettings loads settings from environment variables and optional .env file
func LoadSettings() (*Settings, error) {
	return LoadSettingsWithFlags(nil)
}

// LoadSettingsWithFlags loads settings with optional CLI flag overrides.
// Priority: CLI flags > environment variables > .env file > defaults.
// If flags is nil, only env vars and defaults are used.
func LoadSettingsWithFlags(flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	// Default values
	v.SetDefault("base_dir", defaultBaseDir())
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("auth.type", AuthTypeNone)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.wait", time.Second)
	v.SetDefault("http_timeout", 15*time.Second)
	v.SetDefault("max_parallel_sources", 4)
	v.SetDefault("reload_interval", 30*time.Second)

	// Environment variables
	v.SetEnvPrefix("AGGMDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific env vars for nested config
	_ = v.BindEnv("auth.type", "AGGMDS_AUTH_TYPE")
	_ = v.BindEnv("auth.basic.username", "AGGMDS_AUTH_BASIC_USERNAME")
	_ = v.BindEnv("auth.basic.password", "AGGMDS_AUTH_BASIC_PASSWORD")
	_ = v.BindEnv("auth.api_keys", "AGGMDS_AUTH_API_KEYS")
	_ = v.BindEnv("retry.max_attempts", "AGGMDS_RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("retry.wait", "AGGMDS_RETRY_WAIT")

	// Bind CLI flags if provided (highest priority)
	if flags != nil {
		_ = v.BindPFlag("base_dir", flags.Lookup("base-dir"))
		_ = v.BindPFlag("host", flags.Lookup("host"))
		_ = v.BindPFlag("port", flags.Lookup("port"))
		_ = v.BindPFlag("auth.type", flags.Lookup("auth-type"))
		_ = v.BindPFlag("auth.basic.username", flags.Lookup("auth-basic-username"))
		_ = v.BindPFlag("auth.basic.password", flags.Lookup("auth-basic-password"))
		_ = v.BindPFlag("auth.api_keys", flags.Lookup("auth-api-keys"))
		_ = v.BindPFlag("retry.max_attempts", flags.Lookup("retry-max-attempts"))
		_ = v.BindPFlag("retry.wait", flags.Lookup("retry-wait"))
		_ = v.BindPFlag("http_timeout", flags.Lookup("http-timeout"))
		_ = v.BindPFlag("max_parallel_sources", flags.Lookup("max-parallel-sources"))
		_ = v.BindPFlag("reload_interval", flags.Lookup("reload-interval"))
	}

	// Helper to look for .env file
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, err
	}

	// Handle explicit parsing of API keys if provided via env var as comma-separated string
	apiKeysEnv := os.Getenv("AGGMDS_AUTH_API_KEYS")
	if apiKeysEnv != "" {
		if len(settings.Auth.APIKeys) == 0 || (len(settings.Auth.APIKeys) == 1 && strings.Contains(settings.Auth.APIKeys[0], ",")) {
			settings.Auth.APIKeys = strings.Split(apiKeysEnv, ",")
		}
	}

	// Trim spaces from API keys
	for i := range settings.Auth.APIKeys {
		settings.Auth.APIKeys[i] = strings.TrimSpace(settings.Auth.APIKeys[i])
	}

	// Expand home directory in base_dir
	settings.BaseDir = expandHomeDir(settings.BaseDir)

	return &settings, nil
}

// defaultBaseDir returns the default base directory for index state
func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aggmds"
	}
	return filepath.Join(home, ".aggmds")
}

// expandHomeDir expands ~ to the user's home directory
func expandHomeDir(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	return path
}

// ValidateSettings checks for conflicting configurations.
// Returns an error if the settings contain mutually exclusive or incomplete auth config.
func ValidateSettings(s *Settings) error {
	if s.BaseDir == "" {
		return errors.New("base-dir cannot be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.New("port must be in 1..65535")
	}
	if s.Retry.MaxAttempts <= 0 {
		return errors.New("retry-max-attempts must be positive")
	}
	if s.Retry.Wait <= 0 {
		return errors.New("retry-wait must be positive")
	}
	if s.HTTPTimeout <= 0 {
		return errors.New("http-timeout must be positive")
	}
	if s.MaxParallelSources <= 0 {
		return errors.New("max-parallel-sources must be positive")
	}
	if s.ReloadInterval <= 0 {
		return errors.New("reload-interval must be positive")
	}

	hasBasicCreds := s.Auth.Basic.Username != "" || s.Auth.Basic.Password != ""
	hasAPIKeys := len(s.Auth.APIKeys) > 0

	switch s.Auth.Type {
	case AuthTypeNone, "":
		if hasBasicCreds || hasAPIKeys {
			return errors.New("auth-type 'none' is incompatible with auth credentials")
		}
	case AuthTypeBasic:
		if hasAPIKeys {
			return errors.New("auth-type 'basic' is mutually exclusive with auth-api-keys")
		}
		if s.Auth.Basic.Username == "" || s.Auth.Basic.Password == "" {
			return errors.New("auth-type 'basic' requires both username and password")
		}
	case AuthTypeAPIKey:
		if hasBasicCreds {
			return errors.New("auth-type 'apikey' is mutually exclusive with basic auth credentials")
		}
		if !hasAPIKeys {
			return errors.New("auth-type 'apikey' requires at least one API key")
		}
	default:
		return errors.New("unknown auth-type: " + s.Auth.Type)
	}

	return nil
}
