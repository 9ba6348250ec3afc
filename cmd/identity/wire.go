// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/auth/memstore"
	"github.com/holomush/identity/internal/auth/postgres"
	"github.com/holomush/identity/internal/auth/redisstore"
	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/federation"
	"github.com/holomush/identity/internal/mail"
	"github.com/holomush/identity/internal/session"
	"github.com/holomush/identity/internal/store"
)

// AccountStore is an auth.AccountStore with a connectivity check.
type AccountStore interface {
	auth.AccountStore
	Ping(ctx context.Context) error
}

// openStore connects the configured account store. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (AccountStore, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewAccountRepository(pool), pool.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.RedisAddr).Wrap(err)
		}
		return redisstore.New(client, redisstore.DefaultPrefix), func() { _ = client.Close() }, nil

	case config.DriverMemory:
		logger.Warn("using in-memory account store, accounts are lost on exit")
		return memstore.New(), func() {}, nil

	default:
		return nil, nil, oops.Code("CONFIG_INVALID").
			With("field", "database.driver").
			Errorf("unknown database driver %q", cfg.Driver)
	}
}

// newSender builds the configured mail transport. The log driver writes
// messages to out.
func newSender(cfg config.MailConfig, out io.Writer, logger *slog.Logger) (mail.Sender, error) {
	switch cfg.Driver {
	case config.MailSMTP:
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Username:    cfg.Username,
			Password:    cfg.Password,
			From:        cfg.From,
			MaxAttempts: cfg.MaxAttempts,
		}, logger)
	case config.MailLog:
		if out == nil {
			out = os.Stderr
		}
		return mail.NewLogSender(out, cfg.From, logger)
	default:
		return nil, oops.Code("CONFIG_INVALID").
			With("field", "mail.driver").
			Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// services are the collaborators built from configuration.
type services struct {
	accounts *auth.Service
	sessions *session.Issuer
}

// newServices wires the account service around st.
func newServices(cfg *config.Config, st auth.AccountStore, mailOut io.Writer, metrics auth.Recorder, logger *slog.Logger) (*services, error) {
	sessions, err := session.NewIssuer(session.Config{
		Secret: []byte(cfg.Session.Secret),
		TTL:    cfg.Session.TTL,
		Issuer: cfg.Session.Issuer,
	})
	if err != nil {
		return nil, err
	}

	sender, err := newSender(cfg.Mail, mailOut, logger)
	if err != nil {
		return nil, err
	}
	notifier, err := mail.NewNotifier(sender, cfg.Reset.URL)
	if err != nil {
		return nil, err
	}

	deps := auth.Deps{
		Store:    st,
		Hasher:   auth.NewArgon2idHasher(),
		Sessions: sessions,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
	}
	if cfg.Federation.Enabled() {
		verifier, err := federation.NewVerifier(federation.Config{
			ClientID: cfg.Federation.ClientID,
			JWKSURL:  cfg.Federation.JWKSURL,
			Issuers:  cfg.Federation.Issuers,
		})
		if err != nil {
			return nil, err
		}
		deps.Identity = verifier
	}

	accounts, err := auth.NewService(deps, auth.Config{
		CodeTTL:  cfg.Registration.CodeTTL,
		ResetTTL: cfg.Reset.TTL,
	})
	if err != nil {
		return nil, err
	}
	return &services{accounts: accounts, sessions: sessions}, nil
}
