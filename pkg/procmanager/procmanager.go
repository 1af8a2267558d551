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

// Package procmanager owns OS child processes for stdio MCP servers: it
// spawns them with resolved credentials, drains stderr on death, and
// performs graceful-then-forced shutdown.
package procmanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/routererr"
	"github.com/localmcp/router/pkg/secrets"
)

const (
	gracefulStopTimeout = 5 * time.Second
	stderrTailMaxBytes  = 1024
)

// handle is the live OS-level state for one spawned child. A reaper
// goroutine per handle captures the stderr tail and exit code, then closes
// waitDone; exitCode and stderrTail must only be read after waitDone.
type handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitDone   chan struct{}
	exitCode   int
	stderrTail string
}

// Manager owns the table of live child processes for stdio servers.
type Manager struct {
	reg     *registry.Registry
	secrets *secrets.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a Manager that spawns children on behalf of reg, resolving
// credential references via credentials.
func New(reg *registry.Registry, credentials *secrets.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:     reg,
		secrets: credentials,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Start spawns name's child process. It fails with Conflict if already running.
func (m *Manager) Start(ctx context.Context, name string) error {
	cfg, err := m.reg.Get(name)
	if err != nil {
		return err
	}
	if cfg.Transport != registry.TransportStdio {
		return routererr.Newf(routererr.Conflict, "server %q is not a stdio server", name).WithServer(name)
	}

	m.mu.Lock()
	if _, alive := m.handles[name]; alive {
		m.mu.Unlock()
		return routererr.Newf(routererr.Conflict, "server %q is already running", name).WithServer(name)
	}
	m.mu.Unlock()

	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.Status = registry.StatusStarting
	})

	env := secrets.ResolveEnv(ctx, m.secrets, cfg.Env, m.logger)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return m.failSpawn(name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return m.failSpawn(name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return m.failSpawn(name, err)
	}

	if err := cmd.Start(); err != nil {
		return m.failSpawn(name, err)
	}

	h := &handle{cmd: cmd, stdin: stdin, stdout: stdout, waitDone: make(chan struct{})}
	go reap(h, stderr)

	m.mu.Lock()
	m.handles[name] = h
	m.mu.Unlock()

	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.PID = cmd.Process.Pid
		p.Status = registry.StatusRunning
		p.StartedAt = time.Now()
		p.LastError = ""
	})
	return nil
}

// reap keeps the first 1KiB of the child's stderr for the death report,
// discards the rest so the child never blocks on a full pipe, and waits for
// exit. Reading stderr must finish before Wait, which closes the pipe.
func reap(h *handle, stderr io.Reader) {
	tail, _ := io.ReadAll(io.LimitReader(stderr, stderrTailMaxBytes))
	_, _ = io.Copy(io.Discard, stderr)
	_ = h.cmd.Wait()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	h.stderrTail = strings.TrimSpace(string(tail))
	close(h.waitDone)
}

func (m *Manager) failSpawn(name string, cause error) error {
	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.Status = registry.StatusFailed
		p.LastError = cause.Error()
	})
	return routererr.Wrap(routererr.SpawnFailure, cause, "spawn failed").WithServer(name)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	merged := append([]string{}, base...)
	for k, v := range overrides {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

// Pipes returns name's stdin/stdout handles for the supervisor to attach a bridge to.
func (m *Manager) Pipes(name string) (io.Writer, io.Reader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok {
		return nil, nil, false
	}
	return h.stdin, h.stdout, true
}

// Stop terminates name's child process gracefully, falling back to a forced
// kill after gracefulStopTimeout. Stopping an already-stopped server is a no-op.
func (m *Manager) Stop(name string, force bool) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok {
		delete(m.handles, name)
	}
	m.mu.Unlock()

	if !ok {
		state, err := m.reg.GetState(name)
		if err != nil {
			return err
		}
		if state.Process.Status == registry.StatusStopped {
			return nil
		}
		return routererr.Newf(routererr.Conflict, "server %q has no live process to stop (status %s)", name, state.Process.Status).WithServer(name)
	}

	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.Status = registry.StatusStopping
	})

	if force {
		_ = h.cmd.Process.Kill()
	} else {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.waitDone:
		case <-time.After(gracefulStopTimeout):
			_ = h.cmd.Process.Kill()
		}
	}
	<-h.waitDone

	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.Status = registry.StatusStopped
		p.PID = 0
	})
	return nil
}

// Restart stops name if running, then starts it again.
func (m *Manager) Restart(ctx context.Context, name string) error {
	_ = m.Stop(name, false)
	return m.Start(ctx, name)
}

// CheckProcess performs a non-blocking liveness check. If the child has
// exited, it records the exit code and stderr tail as last_error,
// transitions to STOPPED, and drops the handle. Returns true if the process
// is still alive.
func (m *Manager) CheckProcess(name string) bool {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-h.waitDone:
	default:
		return true
	}

	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()

	lastError := fmt.Sprintf("process exited with code %d", h.exitCode)
	if h.stderrTail != "" {
		lastError += ": " + h.stderrTail
	}
	_ = m.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.Status = registry.StatusStopped
		p.PID = 0
		p.LastError = lastError
	})
	return false
}

// StopAll best-effort stops every tracked child, continuing past individual failures.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		_ = m.Stop(name, false)
	}
}
