// Copyright 2025 Author(s) of MCP Any
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package procmanager

import (
	"bufio"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/routererr"
	"github.com/localmcp/router/pkg/secrets"
)

func newTestRegistry(t *testing.T, cfg registry.ServerConfig) *registry.Registry {
	t.Helper()
	reg := registry.New(afero.NewMemMapFs(), "/servers.json")
	require.NoError(t, reg.Load())
	require.NoError(t, reg.Add(cfg))
	return reg
}

func newTestManager(t *testing.T, reg *registry.Registry) *Manager {
	t.Helper()
	creds := secrets.NewManager(secrets.NewStaticProvider(map[string]string{"token": "abc"}), time.Minute)
	logger := slog.New(slog.DiscardHandler)
	return New(reg, creds, logger)
}

func TestStartStopEchoServer(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{
		Name:      "echo",
		Transport: registry.TransportStdio,
		Command:   "cat",
	})
	m := newTestManager(t, reg)

	require.NoError(t, m.Start(context.Background(), "echo"))

	state, err := reg.GetState("echo")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, state.Process.Status)
	assert.NotZero(t, state.Process.PID)

	stdin, stdout, ok := m.Pipes("echo")
	require.True(t, ok)
	_, err = stdin.Write([]byte("hello\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	require.NoError(t, m.Stop("echo", false))
	state, err = reg.GetState("echo")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, state.Process.Status)
	assert.Zero(t, state.Process.PID)
}

func TestStartAlreadyRunningIsConflict(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{Name: "echo", Transport: registry.TransportStdio, Command: "cat"})
	m := newTestManager(t, reg)
	require.NoError(t, m.Start(context.Background(), "echo"))
	defer m.Stop("echo", true)

	err := m.Start(context.Background(), "echo")
	require.Error(t, err)
	assert.Equal(t, routererr.Conflict, mustKind(t, err))
}

func TestStopAlreadyStoppedIsNoOp(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{Name: "echo", Transport: registry.TransportStdio, Command: "cat"})
	m := newTestManager(t, reg)
	assert.NoError(t, m.Stop("echo", false))
}

func TestStopWithoutProcessInNonStoppedStateIsConflict(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{Name: "echo", Transport: registry.TransportStdio, Command: "cat"})
	m := newTestManager(t, reg)
	require.NoError(t, reg.UpdateProcessInfo("echo", func(p *registry.ProcessInfo) {
		p.Status = registry.StatusFailed
	}))

	err := m.Stop("echo", false)
	require.Error(t, err)
	assert.Equal(t, routererr.Conflict, mustKind(t, err))
}

func TestSpawnFailureRecordsLastError(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{Name: "bad", Transport: registry.TransportStdio, Command: "/no/such/binary-xyz"})
	m := newTestManager(t, reg)

	err := m.Start(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, routererr.SpawnFailure, mustKind(t, err))

	state, getErr := reg.GetState("bad")
	require.NoError(t, getErr)
	assert.Equal(t, registry.StatusFailed, state.Process.Status)
	assert.NotEmpty(t, state.Process.LastError)
}

func TestCheckProcessDetectsDeathAndDrainsStderr(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{
		Name:      "dies",
		Transport: registry.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "echo boom 1>&2; exit 1"},
	})
	m := newTestManager(t, reg)
	require.NoError(t, m.Start(context.Background(), "dies"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.CheckProcess("dies") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	state, err := reg.GetState("dies")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStopped, state.Process.Status)
	assert.Contains(t, state.Process.LastError, "process exited with code 1")
	assert.Contains(t, state.Process.LastError, "boom")
}

func TestCheckProcessOmitsStderrSuffixWhenSilent(t *testing.T) {
	reg := newTestRegistry(t, registry.ServerConfig{
		Name:      "quiet",
		Transport: registry.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "exit 3"},
	})
	m := newTestManager(t, reg)
	require.NoError(t, m.Start(context.Background(), "quiet"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.CheckProcess("quiet") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	state, err := reg.GetState("quiet")
	require.NoError(t, err)
	assert.Equal(t, "process exited with code 3", state.Process.LastError,
		"no stderr output must mean no trailing suffix")
}

func TestStopAllBestEffort(t *testing.T) {
	reg := registry.New(afero.NewMemMapFs(), "/servers.json")
	require.NoError(t, reg.Load())
	require.NoError(t, reg.Add(registry.ServerConfig{Name: "a", Transport: registry.TransportStdio, Command: "cat"}))
	require.NoError(t, reg.Add(registry.ServerConfig{Name: "b", Transport: registry.TransportStdio, Command: "cat"}))

	m := newTestManager(t, reg)
	require.NoError(t, m.Start(context.Background(), "a"))
	require.NoError(t, m.Start(context.Background(), "b"))

	m.StopAll()

	for _, name := range []string{"a", "b"} {
		state, err := reg.GetState(name)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusStopped, state.Process.Status)
	}
}

func mustKind(t *testing.T, err error) routererr.Kind {
	t.Helper()
	kind, ok := routererr.KindOf(err)
	require.True(t, ok, "expected a *routererr.Error, got %T", err)
	return kind
}
