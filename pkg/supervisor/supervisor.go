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

// Package supervisor composes the registry, process manager and stdio
// bridges into the server lifecycle: auto-start, manual start/stop/restart,
// and a background liveness loop that restarts crashed servers up to a
// configured cap before latching them FAILED.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/localmcp/router/pkg/bridge"
	"github.com/localmcp/router/pkg/procmanager"
	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/routererr"
)

const defaultCheckInterval = 10 * time.Second

// StatusSummary is the aggregate view returned by StatusSummary().
type StatusSummary struct {
	Total   int                       `json:"total"`
	Running int                       `json:"running"`
	Stopped int                       `json:"stopped"`
	Failed  int                       `json:"failed"`
	Servers map[string]ServerSnapshot `json:"servers"`
}

// ServerSnapshot is one server's entry in a StatusSummary.
type ServerSnapshot struct {
	Status       registry.Status `json:"status"`
	PID          int             `json:"pid"`
	RestartCount int             `json:"restart_count"`
}

// Supervisor composes a Registry and a ProcessManager and owns the set of
// live StdioBridges, one per running stdio server.
type Supervisor struct {
	reg           *registry.Registry
	procs         *procmanager.Manager
	checkInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge

	cancel context.CancelFunc
	done   chan struct{}
}

// New composes reg and procs. A zero checkInterval uses the 10s default.
func New(reg *registry.Registry, procs *procmanager.Manager, checkInterval time.Duration, logger *slog.Logger) *Supervisor {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		reg:           reg,
		procs:         procs,
		checkInterval: checkInterval,
		logger:        logger,
		bridges:       make(map[string]*bridge.Bridge),
	}
}

// Start starts every auto_start server and launches the background liveness
// loop.
func (s *Supervisor) Start(ctx context.Context) {
	for _, name := range s.reg.AutoStartServers() {
		if err := s.StartServer(ctx, name); err != nil {
			s.logger.Error("failed to auto-start server", "server", name, "error", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.livenessLoop(loopCtx)
}

// StartServer starts name's process and, for stdio transports, attaches and
// initializes a StdioBridge. Initialize failure is logged, not fatal. A
// manual start clears the automatic-restart counter, so a server latched
// FAILED at max_restarts gets a fresh restart budget; the liveness loop
// re-applies its own count after restarting through this method.
func (s *Supervisor) StartServer(ctx context.Context, name string) error {
	if err := s.procs.Start(ctx, name); err != nil {
		return err
	}

	if err := s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.RestartCount = 0
	}); err != nil {
		return err
	}

	return s.attachBridge(ctx, name)
}

// attachBridge creates and initializes name's StdioBridge if its transport
// is stdio; http servers have no bridge.
func (s *Supervisor) attachBridge(ctx context.Context, name string) error {
	cfg, err := s.reg.Get(name)
	if err != nil {
		return err
	}
	if cfg.Transport != registry.TransportStdio {
		return nil
	}

	stdin, stdout, ok := s.procs.Pipes(name)
	if !ok {
		return routererr.Newf(routererr.SpawnFailure, "no pipes available for %q after start", name).WithServer(name)
	}

	br := bridge.New(stdin, stdout, s.logger.With("server", name))
	if _, err := br.Initialize(ctx); err != nil {
		s.logger.Warn("failed to initialize server, continuing anyway", "server", name, "error", err)
	} else {
		s.logger.Info("initialized server", "server", name)
	}

	s.mu.Lock()
	s.bridges[name] = br
	s.mu.Unlock()
	return nil
}

// StopServer closes name's bridge (if any), stops its process, and resets
// restart_count to 0 — a manual stop always clears the automatic-restart
// counter.
func (s *Supervisor) StopServer(name string) error {
	s.dropBridge(name)

	if err := s.procs.Stop(name, false); err != nil {
		return err
	}
	return s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.RestartCount = 0
	})
}

// RestartServer drops name's bridge, cycles the process through the
// manager's stop-then-start path, and attaches a fresh bridge. Like a manual
// stop or start, it clears the automatic-restart counter.
func (s *Supervisor) RestartServer(ctx context.Context, name string) error {
	s.dropBridge(name)

	if err := s.procs.Restart(ctx, name); err != nil {
		return err
	}

	if err := s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.RestartCount = 0
	}); err != nil {
		return err
	}

	return s.attachBridge(ctx, name)
}

// GetBridge returns name's live bridge, if any, for dispatcher use.
func (s *Supervisor) GetBridge(name string) (*bridge.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.bridges[name]
	return br, ok
}

func (s *Supervisor) dropBridge(name string) {
	s.mu.Lock()
	br, ok := s.bridges[name]
	delete(s.bridges, name)
	s.mu.Unlock()
	if ok {
		br.Close()
	}
}

// Stop cancels the liveness loop, closes every bridge, and stops every process.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.mu.Lock()
	bridges := s.bridges
	s.bridges = make(map[string]*bridge.Bridge)
	s.mu.Unlock()
	for _, br := range bridges {
		br.Close()
	}

	s.procs.StopAll()
}

func (s *Supervisor) livenessLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	for _, name := range s.reg.StdioServers() {
		state, err := s.reg.GetState(name)
		if err != nil || state.Process.Status != registry.StatusRunning {
			continue
		}
		s.checkOne(ctx, name, state)
	}
}

func (s *Supervisor) checkOne(ctx context.Context, name string, state registry.ServerState) {
	if s.procs.CheckProcess(name) {
		return
	}

	s.logger.Warn("server died", "server", name)
	s.dropBridge(name)

	cfg := state.Config
	if !cfg.RestartOnFailure {
		_ = s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
			p.Status = registry.StatusStopped
		})
		return
	}

	if state.Process.RestartCount >= cfg.MaxRestarts {
		s.logger.Error("server exceeded max restarts, marking failed", "server", name, "max_restarts", cfg.MaxRestarts)
		_ = s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
			p.Status = registry.StatusFailed
		})
		return
	}

	next := state.Process.RestartCount + 1
	s.logger.Info("restarting server", "server", name, "attempt", next, "max_restarts", cfg.MaxRestarts)

	if err := s.StartServer(ctx, name); err != nil {
		s.logger.Error("failed to restart server", "server", name, "error", err)
		_ = s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
			p.Status = registry.StatusFailed
			p.LastError = err.Error()
			p.RestartCount = next
		})
		return
	}
	_ = s.reg.UpdateProcessInfo(name, func(p *registry.ProcessInfo) {
		p.RestartCount = next
	})
}

// StatusSummary reports aggregate and per-server lifecycle state.
func (s *Supervisor) StatusSummary() StatusSummary {
	states := s.reg.ListAll()

	servers := lo.SliceToMap(states, func(st registry.ServerState) (string, ServerSnapshot) {
		return st.Config.Name, ServerSnapshot{
			Status:       st.Process.Status,
			PID:          st.Process.PID,
			RestartCount: st.Process.RestartCount,
		}
	})

	running := lo.CountBy(states, func(st registry.ServerState) bool { return st.Process.Status == registry.StatusRunning })
	failed := lo.CountBy(states, func(st registry.ServerState) bool { return st.Process.Status == registry.StatusFailed })

	return StatusSummary{
		Total:   len(states),
		Running: running,
		Failed:  failed,
		Stopped: len(states) - running - failed,
		Servers: servers,
	}
}
