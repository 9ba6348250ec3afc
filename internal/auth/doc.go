// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth implements the account credential and session lifecycle.
//
// # Domain Types
//
// Account is the only entity. New accounts should be created with NewAccount,
// which assigns the ID and timestamps; stores receive accounts built this way.
//
// # Flows
//
// Service exposes the operations route handlers call:
//   - Register, RequestVerification, VerifyCode - account creation
//   - Login, FederatedLogin - authentication, each minting a session token
//   - RequestReset, ResetPassword - single-use password reset secrets
//
// All coordination between concurrent requests goes through
// AccountStore.AtomicUpdate; the service holds no per-request state.
//
// # Errors
//
// Every error returned by Service matches exactly one of the exported
// sentinels (ErrValidation, ErrConflict, ...) via errors.Is. ErrorCode maps an
// error to its stable string code.
package auth
