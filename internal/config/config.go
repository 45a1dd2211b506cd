// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the streaming HTTP server listens on (SSE, WebSocket, health).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN used for LISTEN, member lookups and migrations.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Only cmd/seed needs it.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file used to verify access tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the required iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the required aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the lifetime of tokens issued by cmd/seed (e.g. "168h").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31) for seeded password hashes; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// ChannelCapacity is the per-subscription buffer; the oldest event is dropped when it is full.
	ChannelCapacity int `mapstructure:"CHANNEL_CAPACITY"`
	// HeartbeatInterval is how often an idle stream gets a keep-alive (e.g. "1s").
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	// HeartbeatText is the keep-alive comment / ping payload.
	HeartbeatText string `mapstructure:"HEARTBEAT_TEXT"`
	// RegistryShards is the number of lock shards in the subscription registry (rounded up to a power of two).
	RegistryShards int `mapstructure:"REGISTRY_SHARDS"`
	// ListenerChannels is a comma-separated list of notification channels to LISTEN on.
	ListenerChannels string `mapstructure:"LISTENER_CHANNELS"`
	// ListenerStartupAttempts bounds the initial connect retries; exhaustion is fatal.
	ListenerStartupAttempts int `mapstructure:"LISTENER_STARTUP_ATTEMPTS"`
	// ListenerBackoffMax caps the reconnect backoff (e.g. "30s").
	ListenerBackoffMax string `mapstructure:"LISTENER_BACKOFF_MAX"`
	// MaxSessionsPerUser limits concurrent streams per user; 0 means unlimited.
	MaxSessionsPerUser int `mapstructure:"MAX_SESSIONS_PER_USER"`
	// StreamPolicyFile optionally replaces the built-in Rego admission policy.
	StreamPolicyFile string `mapstructure:"STREAM_POLICY_FILE"`
	// CORSAllowOrigin is sent as Access-Control-Allow-Origin on streaming endpoints.
	CORSAllowOrigin string `mapstructure:"CORS_ALLOW_ORIGIN"`

	// OTLPEndpoint enables OTLP gRPC export of traces, metrics and logs when set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OpenTelemetry service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":6687")
	v.SetDefault("GRPC_ADDR", ":6689")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "chat_server")
	v.SetDefault("JWT_AUDIENCE", "chat_web")
	v.SetDefault("JWT_ACCESS_TTL", "168h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("CHANNEL_CAPACITY", 256)
	v.SetDefault("HEARTBEAT_INTERVAL", "1s")
	v.SetDefault("HEARTBEAT_TEXT", "keep-alive-text")
	v.SetDefault("REGISTRY_SHARDS", 32)
	v.SetDefault("LISTENER_CHANNELS", "chat_updated,chat_message_created")
	v.SetDefault("LISTENER_STARTUP_ATTEMPTS", 5)
	v.SetDefault("LISTENER_BACKOFF_MAX", "30s")
	v.SetDefault("MAX_SESSIONS_PER_USER", 0)
	v.SetDefault("STREAM_POLICY_FILE", "")
	v.SetDefault("CORS_ALLOW_ORIGIN", "*")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "chat-notify")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges. Load calls it; tests may call it on hand-built configs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.ChannelCapacity < 1 {
		return errors.New("config: CHANNEL_CAPACITY must be at least 1")
	}
	if c.RegistryShards < 1 || c.RegistryShards > 1024 {
		return errors.New("config: REGISTRY_SHARDS must be between 1 and 1024")
	}
	if c.ListenerStartupAttempts < 1 {
		return errors.New("config: LISTENER_STARTUP_ATTEMPTS must be at least 1")
	}
	if c.MaxSessionsPerUser < 0 {
		return errors.New("config: MAX_SESSIONS_PER_USER must not be negative")
	}
	if len(c.ListenerChannelList()) == 0 {
		return errors.New("config: LISTENER_CHANNELS must name at least one channel")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 168*time.Hour)
}

// Heartbeat parses HeartbeatInterval. Returns 1s if unset or invalid.
func (c *Config) Heartbeat() time.Duration {
	return parseDuration(c.HeartbeatInterval, time.Second)
}

// BackoffMax parses ListenerBackoffMax. Returns 30s if unset or invalid.
func (c *Config) BackoffMax() time.Duration {
	return parseDuration(c.ListenerBackoffMax, 30*time.Second)
}

// ListenerChannelList returns the channel names from the comma-separated config.
func (c *Config) ListenerChannelList() []string {
	if c == nil || c.ListenerChannels == "" {
		return nil
	}
	parts := strings.Split(c.ListenerChannels, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
