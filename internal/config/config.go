package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MEETUP"

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	ProviderDaily = "daily"
	ProviderJWT   = "jwt"
)

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	SigningKey string `mapstructure:"signing_key"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CredentialConfig struct {
	Provider    string        `mapstructure:"provider"`
	DailyAPIKey string        `mapstructure:"daily_api_key"`
	DailyAPIURL string        `mapstructure:"daily_api_url"`
	CallBaseURL string        `mapstructure:"call_base_url"`
	SigningKey  string        `mapstructure:"signing_key"`
	TTL         time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Credential CredentialConfig `mapstructure:"credential"`
	Session    SessionConfig    `mapstructure:"session"`
	Log        LogConfig        `mapstructure:"log"`

	// decoded from the base64 settings by Validate
	SigningKey           []byte `mapstructure:"-"`
	CredentialSigningKey []byte `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("store.backend", StoreRedis)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("database.dsn", "")
	v.SetDefault("credential.provider", ProviderDaily)
	v.SetDefault("credential.daily_api_key", "")
	v.SetDefault("credential.daily_api_url", "https://api.daily.co/v1")
	v.SetDefault("credential.call_base_url", "")
	v.SetDefault("credential.signing_key", "")
	v.SetDefault("credential.ttl", "1h")
	v.SetDefault("session.tick_interval", "1s")
	v.SetDefault("session.checkpoint_interval", "10s")
	v.SetDefault("session.connect_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// Load reads the optional YAML file at path, applies MEETUP_ environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("secret is empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing keys.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.Store.Backend {
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Credential.Provider {
	case ProviderDaily:
		if c.Credential.DailyAPIKey == "" {
			return fmt.Errorf("daily api key cannot be empty")
		}
	case ProviderJWT:
		if c.Credential.CallBaseURL == "" {
			return fmt.Errorf("call base url cannot be empty")
		}
		key, err := decodeSigningSecret(c.Credential.SigningKey)
		if err != nil {
			return fmt.Errorf("decode credential signing secret: %w", err)
		}
		c.CredentialSigningKey = key
	default:
		return fmt.Errorf("unknown credential provider %q", c.Credential.Provider)
	}

	if c.Credential.TTL <= 0 {
		return fmt.Errorf("credential ttl must be positive")
	}
	if c.Session.TickInterval <= 0 || c.Session.CheckpointInterval <= 0 || c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session intervals must be positive")
	}
	if c.Session.CheckpointInterval < c.Session.TickInterval {
		return fmt.Errorf("checkpoint interval cannot be shorter than tick interval")
	}

	return nil
}
