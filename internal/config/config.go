// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the identity service configuration.
//
// Values come from flag defaults, then an optional YAML file, then flags set
// on the command line. DATABASE_URL and IDENTITY_SESSION_SECRET fill values
// that are still empty afterwards.
package config

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/session"
)

// Environment variables consulted for secrets.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvSessionSecret = "IDENTITY_SESSION_SECRET"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Mail drivers.
const (
	MailSMTP = "smtp"
	MailLog  = "log"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Session      SessionConfig      `koanf:"session"`
	Registration RegistrationConfig `koanf:"registration"`
	Reset        ResetConfig        `koanf:"reset"`
	Mail         MailConfig         `koanf:"mail"`
	Federation   FederationConfig   `koanf:"federation"`
}

// ServerConfig configures the HTTP listeners and logging.
type ServerConfig struct {
	Addr        string `koanf:"addr"`
	MetricsAddr string `koanf:"metrics_addr"`
	LogFormat   string `koanf:"log_format"`
	LogLevel    string `koanf:"log_level"`
}

// DatabaseConfig selects and configures the account store.
type DatabaseConfig struct {
	Driver    string `koanf:"driver"`
	URL       string `koanf:"url"`
	RedisAddr string `koanf:"redis_addr"`
}

// SessionConfig configures session token minting.
type SessionConfig struct {
	Secret string        `koanf:"secret"`
	TTL    time.Duration `koanf:"ttl"`
	Issuer string        `koanf:"issuer"`
}

// RegistrationConfig configures two-phase registration.
type RegistrationConfig struct {
	CodeTTL time.Duration `koanf:"code_ttl"`
}

// ResetConfig configures password reset.
type ResetConfig struct {
	TTL time.Duration `koanf:"ttl"`
	URL string        `koanf:"url"`
}

// MailConfig configures outbound email.
type MailConfig struct {
	Driver      string `koanf:"driver"`
	From        string `koanf:"from"`
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	MaxAttempts int    `koanf:"max_attempts"`
}

// FederationConfig configures the OpenID Connect identity provider.
type FederationConfig struct {
	ClientID string   `koanf:"client_id"`
	JWKSURL  string   `koanf:"jwks_url"`
	Issuers  []string `koanf:"issuers"`
}

// Enabled reports whether federated login is configured.
func (f FederationConfig) Enabled() bool {
	return f.ClientID != ""
}

// RegisterFlags adds every configuration key to fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("server.addr", "127.0.0.1:8080", "API listen address")
	fs.String("server.metrics_addr", "127.0.0.1:9100", "metrics/health listen address (empty = disabled)")
	fs.String("server.log_format", "json", "log format (json or text)")
	fs.String("server.log_level", "info", "log level (debug, info, warn, error)")

	fs.String("database.driver", DriverPostgres, "account store (postgres, redis or memory)")
	fs.String("database.url", "", "PostgreSQL URL (default $"+EnvDatabaseURL+")")
	fs.String("database.redis_addr", "127.0.0.1:6379", "Redis address for the redis driver")

	fs.String("session.secret", "", "session signing secret (default $"+EnvSessionSecret+")")
	fs.Duration("session.ttl", session.DefaultTTL, "session lifetime")
	fs.String("session.issuer", session.DefaultIssuer, "session token issuer")

	fs.Duration("registration.code_ttl", 10*time.Minute, "verification code lifetime")

	fs.Duration("reset.ttl", 10*time.Minute, "password reset secret lifetime")
	fs.String("reset.url", "http://localhost:8080/reset", "password reset page URL")

	fs.String("mail.driver", MailLog, "mail delivery (smtp or log)")
	fs.String("mail.from", "Identity <no-reply@localhost>", "sender address")
	fs.String("mail.host", "", "SMTP relay host")
	fs.Int("mail.port", 587, "SMTP relay port")
	fs.String("mail.username", "", "SMTP username")
	fs.String("mail.password", "", "SMTP password")
	fs.Int("mail.max_attempts", 3, "SMTP delivery attempts")

	fs.String("federation.client_id", "", "OpenID Connect client ID (empty = federated login disabled)")
	fs.String("federation.jwks_url", "", "identity provider JWKS URL")
	fs.StringSlice("federation.issuers", nil, "accepted ID token issuers")
}

// Load builds a Config from fs, the YAML file at path (if not empty) and
// the environment. getenv is usually os.Getenv.
func Load(fs *pflag.FlagSet, path string, getenv func(string) string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	// Defaults fill keys the file left out; flags set explicitly win.
	flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
		if !strings.Contains(f.Name, ".") {
			return "", nil
		}
		return f.Name, posflag.FlagVal(fs, f)
	})
	if err := k.Load(flags, nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}

	if getenv != nil {
		if cfg.Database.URL == "" {
			cfg.Database.URL = getenv(EnvDatabaseURL)
		}
		if cfg.Session.Secret == "" {
			cfg.Session.Secret = getenv(EnvSessionSecret)
		}
	}
	return &cfg, nil
}

func invalid(field, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
}

// Validate checks the settings needed to serve requests.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return invalid("server.addr", "server address is required")
	}
	if c.Server.LogFormat != "json" && c.Server.LogFormat != "text" {
		return invalid("server.log_format", "log format must be 'json' or 'text', got %q", c.Server.LogFormat)
	}
	if _, err := logging.ParseLevel(c.Server.LogLevel); err != nil {
		return invalid("server.log_level", "unknown log level %q", c.Server.LogLevel)
	}

	if err := c.ValidateDatabase(); err != nil {
		return err
	}

	if c.Session.Secret == "" {
		return invalid("session.secret", "session secret is required (set %s)", EnvSessionSecret)
	}
	if len(c.Session.Secret) < session.MinSecretLength {
		return invalid("session.secret", "session secret must be at least %d bytes", session.MinSecretLength)
	}
	for field, d := range map[string]time.Duration{
		"session.ttl":           c.Session.TTL,
		"registration.code_ttl": c.Registration.CodeTTL,
		"reset.ttl":             c.Reset.TTL,
	} {
		if d < 0 {
			return invalid(field, "duration cannot be negative")
		}
	}

	u, err := url.Parse(c.Reset.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalid("reset.url", "reset url must be an absolute url")
	}

	switch c.Mail.Driver {
	case MailLog:
	case MailSMTP:
		if c.Mail.Host == "" {
			return invalid("mail.host", "smtp host is required for the smtp mail driver")
		}
	default:
		return invalid("mail.driver", "unknown mail driver %q", c.Mail.Driver)
	}
	if c.Mail.From == "" {
		return invalid("mail.from", "sender address is required")
	}

	if c.Federation.Enabled() {
		if c.Federation.JWKSURL == "" {
			return invalid("federation.jwks_url", "jwks url is required when federation is enabled")
		}
		if len(c.Federation.Issuers) == 0 || slices.Contains(c.Federation.Issuers, "") {
			return invalid("federation.issuers", "at least one non-empty issuer is required")
		}
	}
	return nil
}

// ValidateDatabase checks only the store settings, for commands that do
// not serve requests.
func (c *Config) ValidateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return invalid("database.url", "database url is required (set %s)", EnvDatabaseURL)
		}
	case DriverRedis:
		if c.Database.RedisAddr == "" {
			return invalid("database.redis_addr", "redis address is required for the redis driver")
		}
	case DriverMemory:
	default:
		return invalid("database.driver", "unknown database driver %q", c.Database.Driver)
	}
	return nil
}
