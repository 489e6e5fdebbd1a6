// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Store selects the persistence backend: "postgres" or "memory".
	Store string `mapstructure:"store"`
	// ShutdownTimeout bounds graceful shutdown of all services.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RateLimitConfig is a per-connection token bucket over inbound frames.
type RateLimitConfig struct {
	// Burst is the bucket capacity. Zero disables limiting.
	Burst int `mapstructure:"burst"`
	// Refill is the interval at which one token is returned to the bucket.
	Refill time.Duration `mapstructure:"refill"`
}

// WebSocketConfig holds websocket acceptor settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the URL path that upgrades to a websocket.
	Path string `mapstructure:"path"`
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// PingPeriod is how often the server pings. Must be shorter than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// WriteTimeout is the deadline for a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the per-session outbox capacity in frames.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists accepted Origin headers. Empty allows same-host only.
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	// Secret is the HMAC key for signing and verifying tokens.
	Secret string `mapstructure:"secret"`
	// Issuer is stamped into and required of every token.
	Issuer string `mapstructure:"issuer"`
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// CheckInterval is how often dependencies are probed.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// ChatConfig tunes the chat core.
type ChatConfig struct {
	// DMResolveAttempts bounds create/re-read cycles when two sessions
	// create the same DM channel at once.
	DMResolveAttempts int `mapstructure:"dm_resolve_attempts"`
	// DefaultChannels are created with every new server.
	DefaultChannels []string `mapstructure:"default_channels"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Health    HealthConfig    `mapstructure:"health"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants. The database section is only
// checked when the postgres store is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	add(validateServer(c.Server))
	if c.Server.Store == StorePostgres {
		add(validateDatabase(c.Database))
	}
	add(validateWebSocket(c.WebSocket))
	add(validateAuth(c.Auth))
	add(validateHealth(c.Health))
	add(validateChat(c.Chat))
	add(validateLogging(c.Logging))

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Store != StorePostgres && s.Store != StoreMemory {
		errs = append(errs, fmt.Sprintf("server.store must be one of [postgres, memory], got %q", s.Store))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	return joinErrs(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSL, d.SSLMode) {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joinErrs(errs)
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.PingPeriod <= 0 || w.PingPeriod >= w.PongWait {
		errs = append(errs, "websocket.ping_period must be positive and shorter than websocket.pong_wait")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.RateLimit.Burst < 0 {
		errs = append(errs, "websocket.rate_limit.burst must not be negative")
	}
	if w.RateLimit.Burst > 0 && w.RateLimit.Refill <= 0 {
		errs = append(errs, "websocket.rate_limit.refill must be positive when burst is set")
	}
	return joinErrs(errs)
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if len(a.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 bytes")
	}
	if a.Issuer == "" {
		errs = append(errs, "auth.issuer must not be empty")
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	return joinErrs(errs)
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if !validPort(h.GRPCPort) {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 1-65535, got %d", h.GRPCPort))
	}
	if h.CheckInterval <= 0 {
		errs = append(errs, "health.check_interval must be positive")
	}
	return joinErrs(errs)
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.DMResolveAttempts < 1 {
		errs = append(errs, fmt.Sprintf("chat.dm_resolve_attempts must be >= 1, got %d", c.DMResolveAttempts))
	}
	if len(c.DefaultChannels) == 0 {
		errs = append(errs, "chat.default_channels must not be empty")
	}
	if slices.Contains(c.DefaultChannels, "") {
		errs = append(errs, "chat.default_channels must not contain empty names")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadDatabase reads only the database section, with defaults and environment
// overrides applied, for tools that never start the server.
//
// Postcondition: Returns a valid DatabaseConfig or a non-nil error.
func LoadDatabase(path string) (DatabaseConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return DatabaseConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := validateDatabase(cfg.Database); err != nil {
		return DatabaseConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg.Database, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// newViper returns a Viper with defaults and PARLEY_ environment overrides,
// e.g. PARLEY_AUTH_SECRET for auth.secret.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.store", StorePostgres)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "parley")
	v.SetDefault("database.name", "parley")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_period", "54s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.rate_limit.burst", 20)
	v.SetDefault("websocket.rate_limit.refill", "100ms")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "parley")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)
	v.SetDefault("health.check_interval", "10s")

	v.SetDefault("chat.dm_resolve_attempts", 3)
	v.SetDefault("chat.default_channels", []string{"General", "Random"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
