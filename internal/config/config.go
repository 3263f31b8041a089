// Package config binds txndispatchd's runtime configuration from flags,
// environment variables, and an optional config file via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for one txndispatchd process.
type Config struct {
	// AdminAddr is the listen address for the admin HTTP surface.
	AdminAddr string

	// AuditDriver selects the audit.Store implementation: "sqlite" or
	// "postgres". Empty disables audit recording entirely.
	AuditDriver string
	// AuditDSN is the data source name passed to the selected driver.
	// For sqlite this is a file path; for postgres a connection string.
	AuditDSN string

	// MaxLiveAdapters bounds concurrent Engine.Execute callers. Zero means
	// unbounded.
	MaxLiveAdapters int64

	// RegistrationRateLimit caps Register/Unregister calls per second
	// through the engine's registration handle. Zero disables the limit.
	RegistrationRateLimit float64
	RegistrationBurst     int

	// AdminAuthSecretHash is the bcrypt-hashed shared secret the admin surface
	// validates bearer tokens against. Empty disables admin auth, which
	// is only acceptable in local/demo mode.
	AdminAuthSecretHash string

	// TelegramBotToken and TelegramChatID configure the optional
	// notify/telegram alerting sink. Both empty disables it.
	TelegramBotToken string
	TelegramChatID   int64

	// Backends lists remote HTTP backends to register automatically once
	// the engine starts. Only settable through a config file (the
	// "backends" key); flat flags cannot express the list.
	Backends []RemoteBackend
}

// RemoteBackend describes one statically-configured remote HTTP backend.
type RemoteBackend struct {
	Family       string   `mapstructure:"family"`
	Version      string   `mapstructure:"version"`
	BaseURL      string   `mapstructure:"base_url"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// BindFlags registers txndispatchd's flags on fs and binds each one into v,
// mirroring cmd/divinesense/main.go's BindPFlag-per-flag pattern.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "path to an optional config file (yaml/toml/json)")
	fs.String("admin-addr", ":8088", "listen address for the admin HTTP surface")
	fs.String("audit-driver", "sqlite", `audit store driver: "sqlite", "postgres", or "" to disable`)
	fs.String("audit-dsn", "txndispatch.db", "audit store data source name")
	fs.Int64("max-live-adapters", 0, "ceiling on concurrently live ingress adapters, 0 for unbounded")
	fs.Float64("registration-rate-limit", 0, "registrations per second allowed through the registration handle, 0 to disable")
	fs.Int("registration-burst", 1, "registration rate limiter burst size")
	fs.String("admin-auth-secret-hash", "", "bcrypt hash of the admin bearer-token shared secret")
	fs.String("telegram-bot-token", "", "Telegram bot token for Invalid-completion alerting")
	fs.Int64("telegram-chat-id", 0, "Telegram chat id to post alerts to")

	for _, name := range []string{
		"config", "admin-addr", "audit-driver", "audit-dsn", "max-live-adapters",
		"registration-rate-limit", "registration-burst", "admin-auth-secret-hash",
		"telegram-bot-token", "telegram-chat-id",
	} {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file named by v's "config" key, then
// resolves the Config from every bound source.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return New(v)
}

// New resolves a Config from v, which must already have had BindFlags
// applied and Viper's env/file sources configured.
func New(v *viper.Viper) (Config, error) {
	var backends []RemoteBackend
	if err := v.UnmarshalKey("backends", &backends); err != nil {
		return Config{}, fmt.Errorf("parse backends: %w", err)
	}
	return Config{
		Backends:              backends,
		AdminAddr:             v.GetString("admin-addr"),
		AuditDriver:           v.GetString("audit-driver"),
		AuditDSN:              v.GetString("audit-dsn"),
		MaxLiveAdapters:       v.GetInt64("max-live-adapters"),
		RegistrationRateLimit: v.GetFloat64("registration-rate-limit"),
		RegistrationBurst:     v.GetInt("registration-burst"),
		AdminAuthSecretHash:   v.GetString("admin-auth-secret-hash"),
		TelegramBotToken:      v.GetString("telegram-bot-token"),
		TelegramChatID:        v.GetInt64("telegram-chat-id"),
	}, nil
}

// EnvReplacer maps viper key separators to underscores, so "audit-driver"
// binds to TXNDISPATCH_AUDIT_DRIVER.
func EnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
