package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	OAuth         OAuthConfig
	Store         StoreConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr         string
	PublicURL    string // issuer URL and base for provider callbacks
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OAuthConfig holds authorization server configuration
type OAuthConfig struct {
	Enabled         bool
	Provider        string // custom, google, azure
	ClientID        string // upstream IdP credentials
	ClientSecret    string
	TenantID        string // Azure tenant, defaults to "common"
	ValidScopes     []string
	DefaultScopes   []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
}

// StoreConfig holds persistent store configuration
type StoreConfig struct {
	DataDir string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8000"),
			PublicURL:    strings.TrimRight(getEnv("SERVER_URL", "http://localhost:8000"), "/"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		OAuth: OAuthConfig{
			Enabled:         parseBool("OAUTH_ENABLED", true),
			Provider:        getEnv("OAUTH_PROVIDER", "custom"),
			ClientID:        getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret:    getEnv("OAUTH_CLIENT_SECRET", ""),
			TenantID:        getEnv("OAUTH_TENANT_ID", "common"),
			ValidScopes:     parseList("OAUTH_VALID_SCOPES", "read,write,payment,account"),
			DefaultScopes:   parseList("OAUTH_DEFAULT_SCOPES", "read"),
			AccessTokenTTL:  parseSeconds("OAUTH_ACCESS_TOKEN_TTL", 3600),
			RefreshTokenTTL: parseSeconds("OAUTH_REFRESH_TOKEN_TTL", 86400),
			AuthCodeTTL:     parseSeconds("OAUTH_AUTH_CODE_TTL", 600),
		},
		Store: StoreConfig{
			DataDir: getEnv("OAUTH_DATA_DIR", ".oauth_data"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_TRACES_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "authrelay"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Security: SecurityConfig{
			Argon2Memory:      uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:  uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism: uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:  uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:   uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATE_LIMIT_RPS", 10)),
			Burst:             parseInt("RATE_LIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if !c.OAuth.Enabled {
		return nil
	}

	switch c.OAuth.Provider {
	case "custom", "google", "azure":
	default:
		return fmt.Errorf("OAUTH_PROVIDER must be one of custom, google, azure (got %q)", c.OAuth.Provider)
	}

	// External providers require upstream credentials
	if c.OAuth.Provider != "custom" {
		if c.OAuth.ClientID == "" {
			return fmt.Errorf("%s provider requires OAUTH_CLIENT_ID", c.OAuth.Provider)
		}
		if c.OAuth.ClientSecret == "" {
			return fmt.Errorf("%s provider requires OAUTH_CLIENT_SECRET", c.OAuth.Provider)
		}
	}

	if len(c.OAuth.ValidScopes) == 0 {
		return fmt.Errorf("OAUTH_VALID_SCOPES must not be empty")
	}
	for _, s := range c.OAuth.DefaultScopes {
		if !contains(c.OAuth.ValidScopes, s) {
			return fmt.Errorf("default scope %q is not in OAUTH_VALID_SCOPES", s)
		}
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

// parseSeconds reads an integer number of seconds
func parseSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(parseInt(key, defaultValue)) * time.Second
}

// parseList reads a comma-delimited list, trimming whitespace around items
func parseList(key string, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}
