// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/pkg/errutil"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_StartsAndStopsOnCancel(t *testing.T) {
	t.Setenv(config.EnvSessionSecret, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	cmd := NewRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{
		"serve",
		"--server.addr", "127.0.0.1:0",
		"--server.metrics_addr", "127.0.0.1:0",
		"--server.log_level", "error",
		"--database.driver", "memory",
		"--session.secret", testSecret,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("Identity service started"))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	t.Setenv(config.EnvSessionSecret, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"serve", "--database.driver", "memory"})

	err := cmd.Execute()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	errutil.AssertErrorContext(t, err, "field", "session.secret")
}

func TestServe_UnknownDatabaseDriver(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"serve", "--database.driver", "sqlite", "--session.secret", testSecret})

	err := cmd.Execute()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestMonitorServerErrors_CancelsWithServerError(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	errCh := make(chan error, 1)
	errCh <- errors.New("accept tcp: use of closed network connection")
	monitorServerErrors(ctx, cancel, errCh, "api")

	require.Error(t, ctx.Err())
	err := serverFailure(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errServerFailed)
	assert.Contains(t, err.Error(), "accept tcp")
	errutil.AssertErrorContext(t, err, "server", "api")
}

func TestMonitorServerErrors_ClosedChannelLeavesContext(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	errCh := make(chan error)
	close(errCh)
	monitorServerErrors(ctx, cancel, errCh, "api")

	assert.NoError(t, ctx.Err())
}

func TestServerFailure_SignalIsNotAFailure(t *testing.T) {
	parent, stop := context.WithCancel(context.Background())
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	stop()
	<-ctx.Done()
	assert.NoError(t, serverFailure(ctx))
}
