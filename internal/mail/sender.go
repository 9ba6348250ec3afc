// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// parseRecipient validates a single recipient address.
func parseRecipient(to string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, oops.Code("MAIL_ADDRESS_INVALID").With("to", to).Wrap(err)
	}
	return addr, nil
}

// compose renders RFC 5322 headers and body.
func compose(from, to *mail.Address, subject, body string, date time.Time) ([]byte, error) {
	if strings.ContainsAny(subject, "\r\n") {
		return nil, oops.Code("MAIL_HEADER_INVALID").With("header", "Subject").Errorf("header contains line break")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// LogSender writes full messages to an io.Writer and logs their envelope.
// It is meant for development, where the writer is usually the terminal.
type LogSender struct {
	mu     sync.Mutex
	w      io.Writer
	from   *mail.Address
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default.
func NewLogSender(w io.Writer, from string, logger *slog.Logger) (*LogSender, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("from", from).Wrap(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{w: w, from: addr, logger: logger}, nil
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("MAIL_SEND_FAILED").Wrap(err)
	}
	rcpt, err := parseRecipient(to)
	if err != nil {
		return err
	}
	msg, err := compose(s.from, rcpt, subject, body, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(msg, '\n')); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("to", rcpt.Address).Wrap(err)
	}
	s.logger.InfoContext(ctx, "email written to log outbox", "to", rcpt.Address, "subject", subject)
	return nil
}

var _ Sender = (*LogSender)(nil)
