// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of an account.
type State string

// Account states.
const (
	StatePending State = "pending"
	StateActive  State = "active"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// Password and profile constraints.
const (
	MinPasswordLength    = 8
	MaxPasswordLength    = 128
	MaxDisplayNameLength = 100
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Account is a user account. Optional string fields are empty when absent.
type Account struct {
	ID                    ulid.ULID
	Email                 string
	Username              string
	Phone                 string
	PasswordHash          string
	DisplayName           string
	AvatarURL             string
	State                 State
	VerificationCode      string
	VerificationExpiresAt *time.Time
	ResetTokenHash        string
	ResetExpiresAt        *time.Time
	LastLoginAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile is the caller-supplied part of an account.
type Profile struct {
	Email       string
	Username    string
	Phone       string
	DisplayName string
	AvatarURL   string
}

// PublicProfile is the projection of an account that may leave the service.
// It never carries the password hash, verification code or reset fields.
type PublicProfile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	Phone       string     `json:"phone,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	State       State      `json:"state"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewAccount creates an account in the given state with a fresh ID.
// The profile is expected to be normalized and validated.
func NewAccount(p Profile, passwordHash string, state State, now time.Time) *Account {
	return &Account{
		ID:           ulid.Make(),
		Email:        p.Email,
		Username:     p.Username,
		Phone:        p.Phone,
		PasswordHash: passwordHash,
		DisplayName:  p.DisplayName,
		AvatarURL:    p.AvatarURL,
		State:        state,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsActive reports whether the account may log in.
func (a *Account) IsActive() bool {
	return a.State == StateActive
}

// Public returns the public projection of the account.
func (a *Account) Public() PublicProfile {
	return PublicProfile{
		ID:          a.ID.String(),
		Email:       a.Email,
		Username:    a.Username,
		Phone:       a.Phone,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
		State:       a.State,
		LastLoginAt: a.LastLoginAt,
		CreatedAt:   a.CreatedAt,
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	c.VerificationExpiresAt = cloneTime(a.VerificationExpiresAt)
	c.ResetExpiresAt = cloneTime(a.ResetExpiresAt)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalize returns a copy of the profile with whitespace trimmed and the
// email lower-cased.
func (p Profile) Normalize() Profile {
	return Profile{
		Email:       NormalizeEmail(p.Email),
		Username:    strings.TrimSpace(p.Username),
		Phone:       strings.TrimSpace(p.Phone),
		DisplayName: strings.TrimSpace(p.DisplayName),
		AvatarURL:   strings.TrimSpace(p.AvatarURL),
	}
}

// Validate checks a normalized profile.
func (p Profile) Validate() error {
	if err := ValidateEmail(p.Email); err != nil {
		return err
	}
	if err := ValidateUsername(p.Username); err != nil {
		return err
	}
	if p.Phone != "" && !phoneRegex.MatchString(p.Phone) {
		return NewValidationError("phone", "must contain 7 to 15 digits with an optional leading +")
	}
	if utf8.RuneCountInString(p.DisplayName) > MaxDisplayNameLength {
		return NewValidationError("display_name", "is too long")
	}
	return nil
}

// ValidateEmail validates a normalized email address.
func ValidateEmail(email string) error {
	if email == "" {
		return NewValidationError("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return NewValidationError("email", "is not a valid address")
	}
	return nil
}

// ValidateUsername validates a username against rules.
// Username requirements:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters (a-z, A-Z), numbers (0-9), and underscores (_)
func ValidateUsername(username string) error {
	if username == "" {
		return NewValidationError("username", "is required")
	}
	if len(username) < MinUsernameLength {
		return NewValidationError("username", "must be at least 3 characters")
	}
	if len(username) > MaxUsernameLength {
		return NewValidationError("username", "must be at most 30 characters")
	}
	if !usernameRegex.MatchString(username) {
		return NewValidationError("username", "must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// ValidatePassword checks password length bounds.
func ValidatePassword(password string) error {
	if password == "" {
		return NewValidationError("password", "is required")
	}
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return NewValidationError("password", "must be at least 8 characters")
	}
	if n > MaxPasswordLength {
		return NewValidationError("password", "must be at most 128 characters")
	}
	return nil
}
