package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"` // expiry for snapshots with no open room
	EventsChannel string        `mapstructure:"events_channel"`
}

// SyncConfig picks how a joiner receives the current document.
// Mode is "snapshot" or "peer"; Timeout bounds the wait for a peer.
type SyncConfig struct {
	Mode    string        `mapstructure:"mode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig enables room tokens on the socket endpoint when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type UpstreamConfig struct {
	CompileURL string        `mapstructure:"compile_url"`
	ChatURL    string        `mapstructure:"chat_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type JanitorConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// Load reads config.yaml from ./config and any extra paths, then applies
// CODESYNC_* environment overrides. PORT and REDIS_ADDR are honoured when the
// prefixed variables are absent.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CODESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	applyLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_grace", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", "24h")
	v.SetDefault("redis.events_channel", "codesync:rooms")

	v.SetDefault("sync.mode", "snapshot")
	v.SetDefault("sync.timeout", "2s")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("upstream.compile_url", "")
	v.SetDefault("upstream.chat_url", "")
	v.SetDefault("upstream.timeout", "30s")

	v.SetDefault("janitor.schedule", "@every 1m")
	v.SetDefault("janitor.idle_timeout", "5m")
}

// applyLegacyEnv maps the unprefixed variables used by the container setup.
func applyLegacyEnv(v *viper.Viper) {
	if _, ok := os.LookupEnv("CODESYNC_SERVER_PORT"); !ok {
		if port := os.Getenv("PORT"); port != "" {
			v.Set("server.port", port)
		}
	}
	if _, ok := os.LookupEnv("CODESYNC_REDIS_ADDR"); !ok {
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			v.Set("redis.addr", addr)
			v.Set("redis.enabled", true)
		}
	}
}

func (c *Config) Validate() error {
	switch c.Sync.Mode {
	case "snapshot", "peer":
	default:
		return fmt.Errorf("config: unsupported sync mode %q (want snapshot or peer)", c.Sync.Mode)
	}
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if c.Sync.Timeout <= 0 {
		return errors.New("config: sync.timeout must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return ":" + c.Server.Port }
