// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail delivers account emails.
//
// A Notifier renders the verification and reset templates and hands the
// result to a Sender. SMTPSender talks to a mail relay with bounded retries;
// LogSender writes messages locally for development.
package mail
