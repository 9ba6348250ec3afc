// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package identity_test

import (
	"io"
	"log/slog"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/identity/internal/auth"
	authpg "github.com/holomush/identity/internal/auth/postgres"
	"github.com/holomush/identity/internal/auth/redisstore"
	"github.com/holomush/identity/internal/session"
)

var fastHash = auth.Argon2Params{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32}

func describeLifecycle(backend string, newStore func() auth.AccountStore) bool {
	return Describe("account lifecycle on "+backend, func() {
		var (
			svc      *auth.Service
			sessions *session.Issuer
			box      *outbox
			st       auth.AccountStore
		)

		BeforeEach(func() {
			env.resetData()

			var err error
			sessions, err = session.NewIssuer(session.Config{Secret: []byte(strings.Repeat("s", 32))})
			Expect(err).NotTo(HaveOccurred())

			box = newOutbox()
			st = newStore()
			svc, err = auth.NewService(auth.Deps{
				Store:    st,
				Hasher:   auth.NewArgon2idHasherWithParams(fastHash),
				Sessions: sessions,
				Notifier: box,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			}, auth.Config{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("verifies a pending registration and logs in", func() {
			Expect(svc.RequestVerification(env.ctx, auth.Profile{Email: "Eve@Example.com", Username: "eve"}, "password one")).To(Succeed())

			_, err := svc.Login(env.ctx, "eve@example.com", "password one")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))

			code := box.code("eve@example.com")
			Expect(code).To(HaveLen(auth.VerificationCodeDigits))
			Expect(svc.VerifyCode(env.ctx, "eve@example.com", code)).To(Succeed())

			res, err := svc.Login(env.ctx, "EVE@example.com", "password one")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Account.Email).To(Equal("eve@example.com"))

			subject, err := sessions.Verify(res.Session.Value)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject).To(Equal(res.Account.ID))
		})

		It("lets exactly one concurrent verification win", func() {
			Expect(svc.RequestVerification(env.ctx, auth.Profile{Email: "fay@example.com"}, "password one")).To(Succeed())
			code := box.code("fay@example.com")

			const workers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					if err := svc.VerifyCode(env.ctx, "fay@example.com", code); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					} else {
						Expect(err).To(MatchError(auth.ErrInvalidOrExpired))
					}
				}()
			}
			wg.Wait()
			Expect(successes).To(Equal(1))
		})

		It("rejects duplicate identifiers case-insensitively", func() {
			_, err := svc.Register(env.ctx, auth.Profile{Email: "gus@example.com", Username: "gus"}, "password one")
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Register(env.ctx, auth.Profile{Email: "GUS@example.com"}, "password one")
			Expect(err).To(MatchError(auth.ErrConflict))
			Expect(auth.ErrorCode(err)).To(Equal(auth.CodeConflict))
		})

		It("resets a password with a single-use secret", func() {
			_, err := svc.Register(env.ctx, auth.Profile{Email: "hal@example.com"}, "old password")
			Expect(err).NotTo(HaveOccurred())

			Expect(svc.RequestReset(env.ctx, "hal@example.com")).To(Succeed())
			first := box.secret("hal@example.com")
			Expect(svc.RequestReset(env.ctx, "hal@example.com")).To(Succeed())
			second := box.secret("hal@example.com")
			Expect(second).NotTo(Equal(first))

			Expect(svc.ResetPassword(env.ctx, first, "new password")).To(MatchError(auth.ErrInvalidOrExpired))
			Expect(svc.ResetPassword(env.ctx, second, "new password")).To(Succeed())
			Expect(svc.ResetPassword(env.ctx, second, "another password")).To(MatchError(auth.ErrInvalidOrExpired))

			_, err = svc.Login(env.ctx, "hal@example.com", "old password")
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
			_, err = svc.Login(env.ctx, "hal@example.com", "new password")
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports unknown accounts on reset requests", func() {
			Expect(svc.RequestReset(env.ctx, "nobody@example.com")).To(MatchError(auth.ErrNotFound))
		})
	})
}

var _ = describeLifecycle("postgres", func() auth.AccountStore {
	return authpg.NewAccountRepository(env.pool)
})

var _ = describeLifecycle("redis", func() auth.AccountStore {
	return redisstore.New(env.redisClient(), "it")
})
