// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package federation

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// maxJWKSBytes bounds the key set response body.
const maxJWKSBytes = 1 << 20

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet caches the provider's RSA signing keys by kid.
type keySet struct {
	url          string
	client       *http.Client
	ttl          time.Duration
	minRefresh   time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// key returns the key for kid, refreshing the set when it is stale or the
// kid is unknown. An unknown kid after refresh yields (nil, nil).
func (ks *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	age := now.Sub(ks.fetchedAt)
	if k, ok := ks.keys[kid]; ok && age < ks.ttl {
		return k, nil
	}
	if ks.keys != nil && age < ks.minRefresh {
		return ks.keys[kid], nil
	}

	keys, err := ks.fetch(ctx)
	if err != nil {
		return nil, err
	}
	ks.keys = keys
	ks.fetchedAt = now
	return keys[kid], nil
}

func (ks *keySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var keys map[string]*rsa.PublicKey
	backoff := retry.WithMaxRetries(uint64(ks.maxAttempts-1), retry.NewExponential(ks.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		keys, err = ks.fetchOnce(ctx)
		return err
	})
	if err != nil {
		return nil, oops.Code("JWKS_FETCH_FAILED").With("url", ks.url).Wrap(err)
	}
	return keys, nil
}

func (ks *keySet) fetchOnce(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		statusErr := oops.With("status", resp.StatusCode).Errorf("unexpected jwks status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.RetryableError(statusErr)
		}
		return nil, statusErr
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&doc); err != nil {
		return nil, oops.Code("JWKS_MALFORMED").Wrap(err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			return nil, oops.Code("JWKS_MALFORMED").With("kid", k.Kid).Wrap(err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, oops.Errorf("invalid rsa key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
