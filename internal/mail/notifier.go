// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"bytes"
	"context"
	"net/url"
	"text/template"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// Template names, also used as metric labels.
const (
	TemplateVerificationCode = "verification_code"
	TemplateResetLink        = "reset_link"
)

// ResetTokenParam is the query parameter carrying the reset secret.
const ResetTokenParam = "token"

type message struct {
	subject string
	body    *template.Template
}

var templates = map[string]message{
	TemplateVerificationCode: {
		subject: "Your verification code",
		body: template.Must(template.New(TemplateVerificationCode).Parse(
			`Your verification code is {{.Code}}.

It expires at {{.ExpiresAt}}. If you did not create an account, you can ignore this email.
`)),
	},
	TemplateResetLink: {
		subject: "Reset your password",
		body: template.Must(template.New(TemplateResetLink).Parse(
			`Someone asked to reset the password for this account.

Follow this link to choose a new password:

{{.URL}}

The link expires at {{.ExpiresAt}}. If you did not ask for a reset, you can ignore this email.
`)),
	},
}

// Notifier renders account emails and sends them.
type Notifier struct {
	sender   Sender
	resetURL *url.URL
}

// NewNotifier creates a Notifier. resetURL is the absolute page that accepts
// the reset secret in its token query parameter.
func NewNotifier(sender Sender, resetURL string) (*Notifier, error) {
	if sender == nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "sender").Errorf("sender is required")
	}
	u, err := url.Parse(resetURL)
	if err != nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "reset_url").Wrap(err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").
			With("field", "reset_url").
			With("reset_url", resetURL).
			Errorf("reset url must be absolute")
	}
	return &Notifier{sender: sender, resetURL: u}, nil
}

// SendVerificationCode implements auth.Notifier.
func (n *Notifier) SendVerificationCode(ctx context.Context, to, code string, expiresAt time.Time) error {
	return n.send(ctx, TemplateVerificationCode, to, struct {
		Code      string
		ExpiresAt string
	}{code, formatExpiry(expiresAt)})
}

// SendResetLink implements auth.Notifier.
func (n *Notifier) SendResetLink(ctx context.Context, to, secret string, expiresAt time.Time) error {
	return n.send(ctx, TemplateResetLink, to, struct {
		URL       string
		ExpiresAt string
	}{n.ResetLink(secret), formatExpiry(expiresAt)})
}

// ResetLink returns the reset page URL carrying secret.
func (n *Notifier) ResetLink(secret string) string {
	u := *n.resetURL
	q := u.Query()
	q.Set(ResetTokenParam, secret)
	u.RawQuery = q.Encode()
	return u.String()
}

func (n *Notifier) send(ctx context.Context, name, to string, data any) error {
	tmpl := templates[name]
	var body bytes.Buffer
	if err := tmpl.body.Execute(&body, data); err != nil {
		return oops.Code("MAIL_TEMPLATE_FAILED").With("template", name).Wrap(err)
	}
	if err := n.sender.Send(ctx, to, tmpl.subject, body.String()); err != nil {
		return oops.With("template", name).Wrap(err)
	}
	return nil
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

var _ auth.Notifier = (*Notifier)(nil)
