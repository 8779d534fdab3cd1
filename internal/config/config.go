// Package config provides configuration management for the SmartThings exporter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/security"
)

// Defaults applied when the corresponding environment variable is absent.
const (
	DefaultPollInterval          = 30 * time.Second
	DefaultDeviceRefreshInterval = 10 * time.Minute
	DefaultMaxInflightFetches    = 4
	DefaultCallTimeout           = 10 * time.Second
	DefaultMaxRetryAttempts      = 3
	DefaultAPIBaseURL            = "https://api.smartthings.com/v1"
	DefaultAPIRateLimit          = 5.0
	DefaultPort                  = "9555"
)

// Config holds all configuration settings for the exporter.
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	Token         string
	TokenFile     string
	OAuthClientID string
	OAuthSecret   string
	OAuthTokenURL string

	APIBaseURL   string
	APIRateLimit float64

	PollInterval          time.Duration
	DeviceRefreshInterval time.Duration
	MaxInflightFetches    int
	CallTimeout           time.Duration
	MaxRetryAttempts      int

	MappingFile   string
	TargetDevices []string
}

// Load reads configuration from the environment and returns a Config struct.
// A .env file in the working directory is loaded first when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{}

	cfg.loadNetworkSettings()
	cfg.loadAuthSettings()
	cfg.loadPollingSettings()
	cfg.loadMappingSettings()
	cfg.loadLoggingSettings()

	return cfg
}

func (cfg *Config) loadNetworkSettings() {
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}

	cfg.Env = strings.ToLower(os.Getenv("ENV"))

	cfg.APIBaseURL = strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}

	cfg.APIRateLimit = DefaultAPIRateLimit
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.APIRateLimit = f
		}
	}
}

func (cfg *Config) loadAuthSettings() {
	cfg.Token = os.Getenv("SMARTTHINGS_TOKEN")
	cfg.TokenFile = os.Getenv("SMARTTHINGS_TOKEN_FILE")
	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.OAuthTokenURL = os.Getenv("OAUTH_TOKEN_URL")
}

func (cfg *Config) loadPollingSettings() {
	cfg.PollInterval = durationEnv("POLL_INTERVAL", DefaultPollInterval)
	cfg.DeviceRefreshInterval = durationEnv("DEVICE_REFRESH_INTERVAL", DefaultDeviceRefreshInterval)
	cfg.CallTimeout = durationEnv("CALL_TIMEOUT", DefaultCallTimeout)

	cfg.MaxInflightFetches = DefaultMaxInflightFetches
	if v := os.Getenv("MAX_INFLIGHT_FETCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInflightFetches = n
		}
	}

	cfg.MaxRetryAttempts = DefaultMaxRetryAttempts
	if v := os.Getenv("MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetryAttempts = n
		}
	}
}

func (cfg *Config) loadMappingSettings() {
	cfg.MappingFile = os.Getenv("MAPPING_FILE")

	if v := os.Getenv("TARGET_DEVICES"); v != "" {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p != "" {
				cfg.TargetDevices = append(cfg.TargetDevices, p)
			}
		}
	}
}

func (cfg *Config) loadLoggingSettings() {
	cfg.LogLevel = "info"
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.LogFormat = "text"
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return fallback
}

// Validate checks the configuration for consistency and required values.
func (cfg Config) Validate() error {
	if err := cfg.validateAuth(); err != nil {
		return err
	}

	if err := cfg.validateLogSettings(); err != nil {
		return err
	}

	if err := cfg.validatePollingSettings(); err != nil {
		return err
	}

	for _, target := range cfg.TargetDevices {
		if err := security.ValidateDeviceID(target); err != nil {
			return fmt.Errorf("invalid TARGET_DEVICES entry %q: %w", target, err)
		}
	}
	return nil
}

func (cfg Config) validateAuth() error {
	hasToken := cfg.Token != "" || cfg.TokenFile != ""
	hasOAuth := cfg.OAuthClientID != "" && cfg.OAuthSecret != ""

	if !hasToken && !hasOAuth {
		return fmt.Errorf("missing credential: set SMARTTHINGS_TOKEN, SMARTTHINGS_TOKEN_FILE or OAUTH_CLIENT_ID+OAUTH_CLIENT_SECRET")
	}
	if hasToken && hasOAuth {
		return fmt.Errorf("cannot use both a personal access token and OAuth client credentials")
	}
	if hasOAuth && cfg.OAuthTokenURL == "" {
		return fmt.Errorf("OAUTH_TOKEN_URL required when using OAuth client credentials")
	}
	return nil
}

func (cfg Config) validateLogSettings() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s, valid options: %v", cfg.LogLevel, validLogLevels)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s, valid options: %v", cfg.LogFormat, validLogFormats)
	}
	return nil
}

func (cfg Config) validatePollingSettings() error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.DeviceRefreshInterval < cfg.PollInterval {
		return fmt.Errorf("DEVICE_REFRESH_INTERVAL must not be shorter than POLL_INTERVAL")
	}
	if cfg.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if cfg.CallTimeout >= cfg.PollInterval {
		return fmt.Errorf("CALL_TIMEOUT must be shorter than POLL_INTERVAL")
	}
	if cfg.MaxInflightFetches <= 0 {
		return fmt.Errorf("MAX_INFLIGHT_FETCHES must be positive")
	}
	if cfg.MaxRetryAttempts <= 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// ResolveToken returns the bearer token, reading TokenFile when set.
func (cfg Config) ResolveToken() (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", cfg.TokenFile, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", cfg.TokenFile)
	}
	return token, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
