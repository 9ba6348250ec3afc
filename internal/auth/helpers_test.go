// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/auth/memstore"
	"github.com/holomush/identity/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	Template  string
	To        string
	Secret    string
	ExpiresAt time.Time
}

// outbox is a Notifier that records messages and can be told to fail.
type outbox struct {
	mu   sync.Mutex
	sent []sentMail
	err  error

	// onSend, if set, runs first and its error is returned.
	onSend func() error
}

func (o *outbox) SendVerificationCode(_ context.Context, to, code string, expiresAt time.Time) error {
	return o.record(sentMail{Template: "verification_code", To: to, Secret: code, ExpiresAt: expiresAt})
}

func (o *outbox) SendResetLink(_ context.Context, to, secret string, expiresAt time.Time) error {
	return o.record(sentMail{Template: "reset_link", To: to, Secret: secret, ExpiresAt: expiresAt})
}

func (o *outbox) record(m sentMail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.onSend != nil {
		if err := o.onSend(); err != nil {
			return err
		}
	}
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, m)
	return nil
}

func (o *outbox) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *outbox) last(t *testing.T) sentMail {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent, "no mail sent")
	return o.sent[len(o.sent)-1]
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type mockIdentityProvider struct {
	mock.Mock
}

func (m *mockIdentityProvider) VerifyAssertion(ctx context.Context, assertion string) (*auth.Identity, error) {
	args := m.Called(ctx, assertion)
	id, _ := args.Get(0).(*auth.Identity)
	return id, args.Error(1)
}

type recordingMetrics struct {
	mu         sync.Mutex
	operations map[string]int
	failures   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{operations: map[string]int{}, failures: map[string]int{}}
}

func (r *recordingMetrics) ObserveOperation(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[operation+"/"+outcome]++
}

func (r *recordingMetrics) EmailDispatchFailed(template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[template]++
}

func (r *recordingMetrics) operation(operation, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operations[operation+"/"+outcome]
}

func (r *recordingMetrics) failure(template string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[template]
}

// faultyStore wraps a store and injects errors.
type faultyStore struct {
	auth.AccountStore

	mu           sync.Mutex
	findErr      error
	createErr    error
	updateErr    error
	deleteErr    error
	beforeCreate func(ctx context.Context, a *auth.Account)
}

func (s *faultyStore) Find(ctx context.Context, field auth.Field, value string) (*auth.Account, error) {
	s.mu.Lock()
	err := s.findErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.AccountStore.Find(ctx, field, value)
}

func (s *faultyStore) Create(ctx context.Context, a *auth.Account) error {
	s.mu.Lock()
	err, hook := s.createErr, s.beforeCreate
	s.beforeCreate = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(ctx, a)
	}
	return s.AccountStore.Create(ctx, a)
}

func (s *faultyStore) AtomicUpdate(ctx context.Context, id ulid.ULID, patch auth.Patch, pre auth.Precondition) (bool, error) {
	s.mu.Lock()
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.AccountStore.AtomicUpdate(ctx, id, patch, pre)
}

func (s *faultyStore) Delete(ctx context.Context, id ulid.ULID) error {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.AccountStore.Delete(ctx, id)
}

type fixture struct {
	svc      *auth.Service
	mem      *memstore.Store
	store    *faultyStore
	outbox   *outbox
	idp      *mockIdentityProvider
	sessions *session.Issuer
	clock    *testClock
	metrics  *recordingMetrics
	logs     *bytes.Buffer
}

type fixtureOption func(*auth.Deps)

func withTokens(g *auth.TokenGenerator) fixtureOption {
	return func(d *auth.Deps) { d.Tokens = g }
}

func withoutIdentityProvider() fixtureOption {
	return func(d *auth.Deps) { d.Identity = nil }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sessions, err := session.NewIssuer(session.Config{Secret: testSecret, TTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)

	f := &fixture{
		mem:      memstore.New(),
		outbox:   &outbox{},
		idp:      &mockIdentityProvider{},
		sessions: sessions,
		clock:    clock,
		metrics:  newRecordingMetrics(),
		logs:     &bytes.Buffer{},
	}
	f.store = &faultyStore{AccountStore: f.mem}

	deps := auth.Deps{
		Store:    f.store,
		Hasher:   auth.NewArgon2idHasherWithParams(fastParams),
		Sessions: sessions,
		Notifier: f.outbox,
		Identity: f.idp,
		Logger:   slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:  f.metrics,
		Now:      clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	f.svc, err = auth.NewService(deps, auth.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { f.idp.AssertExpectations(t) })
	return f
}

func (f *fixture) account(t *testing.T, email string) *auth.Account {
	t.Helper()
	acct, err := f.mem.Find(context.Background(), auth.FieldEmail, email)
	require.NoError(t, err)
	return acct
}

// registerActive creates an Active account through the direct flow.
func (f *fixture) registerActive(t *testing.T, email, username, password string) *auth.Registration {
	t.Helper()
	reg, err := f.svc.Register(context.Background(), auth.Profile{Email: email, Username: username}, password)
	require.NoError(t, err)
	return reg
}
