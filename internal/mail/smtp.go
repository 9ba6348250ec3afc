// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// SMTP defaults.
const (
	DefaultSMTPPort     = 587
	DefaultMaxAttempts  = 3
	defaultRetryBackoff = 250 * time.Millisecond
	defaultSendTimeout  = 30 * time.Second
)

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	MaxAttempts int

	// RetryBackoff is the first delay between attempts; later delays grow
	// exponentially. Zero uses 250ms.
	RetryBackoff time.Duration

	// InsecureSkipVerify disables certificate checks after STARTTLS.
	InsecureSkipVerify bool
}

// SMTPSender delivers mail through an SMTP relay. Transient failures are
// retried up to MaxAttempts times; 5xx replies are not retried.
type SMTPSender struct {
	cfg    SMTPConfig
	addr   string
	from   *mail.Address
	dialer net.Dialer
	logger *slog.Logger
}

// NewSMTPSender validates cfg and creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "host").Errorf("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "from").With("from", cfg.From).Wrap(err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSMTPPort
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:   from,
		dialer: net.Dialer{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	rcpt, err := parseRecipient(to)
	if err != nil {
		return err
	}
	msg, err := compose(s.from, rcpt, subject, body, time.Now())
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), retry.NewExponential(s.cfg.RetryBackoff))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		sendErr := s.deliver(ctx, rcpt.Address, msg)
		if sendErr == nil {
			return nil
		}
		if permanent(sendErr) {
			return sendErr
		}
		s.logger.WarnContext(ctx, "smtp delivery attempt failed",
			"to", rcpt.Address, "attempt", attempt, "error", sendErr)
		return retry.RetryableError(sendErr)
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("to", rcpt.Address).
			With("relay", s.addr).
			With("attempts", attempt).
			Wrap(err)
	}
	return nil
}

// deliver runs one SMTP transaction.
func (s *SMTPSender) deliver(ctx context.Context, to string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return err
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		//nolint:gosec // InsecureSkipVerify is opt-in for local relays
		tlsCfg := &tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
		if err := c.StartTLS(tlsCfg); err != nil {
			return err
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// permanent reports whether the relay rejected the message outright.
func permanent(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code >= 500
}

var _ Sender = (*SMTPSender)(nil)
