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

// Package registry is the persistent source of truth for declared MCP
// servers: it owns the on-disk JSON document and the in-memory runtime state
// (ProcessInfo) that other components mutate through UpdateProcessInfo.
//
// The registry never spawns anything; it only tracks what has been declared
// and what state a supervisor has last reported for it.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/localmcp/router/pkg/routererr"
)

type document struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// Registry loads, persists and serves the set of declared servers.
type Registry struct {
	fs   afero.Fs
	path string

	mu        sync.Mutex
	configs   map[string]ServerConfig
	processes map[string]ProcessInfo
}

// New creates a Registry backed by fs at path. The file is not read until Load.
func New(fs afero.Fs, path string) *Registry {
	return &Registry{
		fs:        fs,
		path:      path,
		configs:   make(map[string]ServerConfig),
		processes: make(map[string]ProcessInfo),
	}
}

// Load reads the on-disk document, creating an empty one if it is missing.
// Invalid entries are skipped (and their names dropped); a top-level parse
// failure surfaces as ConfigInvalid.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		if isNotExist(err) {
			r.configs = make(map[string]ServerConfig)
			r.processes = make(map[string]ProcessInfo)
			return r.saveLocked()
		}
		return routererr.Wrap(routererr.ConfigInvalid, err, "read servers config")
	}

	if len(data) == 0 {
		r.configs = make(map[string]ServerConfig)
		r.processes = make(map[string]ProcessInfo)
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return routererr.Wrap(routererr.ConfigInvalid, err, "parse servers config")
	}

	configs := make(map[string]ServerConfig, len(doc.Servers))
	processes := make(map[string]ProcessInfo, len(doc.Servers))
	for name, cfg := range doc.Servers {
		if err := validate(cfg); err != nil {
			continue
		}
		cfg.Name = name
		configs[name] = cfg
		processes[name] = newProcessInfo()
	}
	r.configs = configs
	r.processes = processes
	return nil
}

func validate(cfg ServerConfig) error {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("stdio server missing command")
		}
	case TransportHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("http server missing url")
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return nil
}

// Save rewrites the whole on-disk document from the in-memory configs.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	doc := document{Servers: make(map[string]ServerConfig, len(r.configs))}
	for name, cfg := range r.configs {
		doc.Servers[name] = cfg
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return routererr.Wrap(routererr.ConfigInvalid, err, "encode servers config")
	}
	if err := afero.WriteFile(r.fs, r.path, data, 0o644); err != nil {
		return routererr.Wrap(routererr.ConfigInvalid, err, "write servers config")
	}
	return nil
}

// Get returns the declared config for name.
func (r *Registry) Get(name string) (ServerConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	if !ok {
		return ServerConfig{}, routererr.Newf(routererr.NotFound, "server %q not found", name).WithServer(name)
	}
	return cfg, nil
}

// GetState returns the combined config+process view for name.
func (r *Registry) GetState(name string) (ServerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	if !ok {
		return ServerState{}, routererr.Newf(routererr.NotFound, "server %q not found", name).WithServer(name)
	}
	return ServerState{Config: cfg, Process: r.processes[name]}, nil
}

// ListAll returns every declared server's combined state, sorted by name.
func (r *Registry) ListAll() []ServerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Keys(r.configs)
	sort.Strings(names)
	return lo.Map(names, func(name string, _ int) ServerState {
		return ServerState{Config: r.configs[name], Process: r.processes[name]}
	})
}

// ListNames returns the declared server names, sorted.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Keys(r.configs)
	sort.Strings(names)
	return names
}

// AutoStartServers returns the names of servers declared with auto_start=true.
func (r *Registry) AutoStartServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Filter(lo.Keys(r.configs), func(name string, _ int) bool {
		return r.configs[name].AutoStart
	})
	sort.Strings(names)
	return names
}

// StdioServers returns the names of servers whose transport is stdio.
func (r *Registry) StdioServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Filter(lo.Keys(r.configs), func(name string, _ int) bool {
		return r.configs[name].Transport == TransportStdio
	})
	sort.Strings(names)
	return names
}

// Add declares a new server. It fails with Conflict if the name already exists.
func (r *Registry) Add(cfg ServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.Name]; exists {
		return routererr.Newf(routererr.Conflict, "server %q already exists", cfg.Name).WithServer(cfg.Name)
	}
	if err := validate(cfg); err != nil {
		return routererr.Wrap(routererr.ConfigInvalid, err, "invalid server config").WithServer(cfg.Name)
	}
	r.configs[cfg.Name] = cfg
	r.processes[cfg.Name] = newProcessInfo()
	return r.saveLocked()
}

// Remove undeclares a server. It fails with Conflict if the server is running.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[name]; !ok {
		return routererr.Newf(routererr.NotFound, "server %q not found", name).WithServer(name)
	}
	if proc, ok := r.processes[name]; ok && proc.Status != StatusStopped {
		return routererr.Newf(routererr.Conflict, "server %q must be stopped before removal", name).WithServer(name)
	}
	delete(r.configs, name)
	delete(r.processes, name)
	return r.saveLocked()
}

// UpdateProcessInfo atomically applies mutate to name's ProcessInfo.
func (r *Registry) UpdateProcessInfo(name string, mutate func(*ProcessInfo)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[name]; !ok {
		return routererr.Newf(routererr.NotFound, "server %q not found", name).WithServer(name)
	}
	proc := r.processes[name]
	mutate(&proc)
	r.processes[name] = proc
	return nil
}

func isNotExist(err error) bool {
	type notExister interface{ IsNotExist() bool }
	if ne, ok := err.(notExister); ok {
		return ne.IsNotExist()
	}
	return isOSNotExist(err)
}
