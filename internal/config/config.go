package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "POLYCHAT"
	defaultHTTPAddress     = "0.0.0.0:3001"
	defaultDatabasePath    = "polychat.db"
	defaultLogLevel        = "info"
	defaultIssuer          = "polychat-auth"
	defaultTokenTTLMinutes = 60
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultSendBuffer      = 256
	defaultWriteTimeout    = 10 * time.Second
	defaultReadLimit       = 4096
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	Issuer               string
	TokenTTL             time.Duration
	AllowedOrigins       []string
	RealtimeSendBuffer   int
	RealtimeWriteTimeout time.Duration
	RealtimeReadLimit    int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.read_limit", defaultReadLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		Issuer:               configViper.GetString("auth.issuer"),
		TokenTTL:             time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowedOrigins:       configViper.GetStringSlice("cors.allowed_origins"),
		RealtimeSendBuffer:   configViper.GetInt("realtime.send_buffer"),
		RealtimeWriteTimeout: configViper.GetDuration("realtime.write_timeout"),
		RealtimeReadLimit:    configViper.GetInt64("realtime.read_limit"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.RealtimeSendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.RealtimeWriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be positive")
	}
	if c.RealtimeReadLimit <= 0 {
		return fmt.Errorf("realtime.read_limit must be positive")
	}
	return nil
}
