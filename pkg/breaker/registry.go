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

package breaker

import "sync"

// Registry lazily creates and keeps one Breaker per target name, all sharing
// a default config.
type Registry struct {
	defaultConfig Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry using defaultConfig for new breakers.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaultConfig)
		r.breakers[name] = b
	}
	return b
}

// AllStats returns a combined stats view across every known breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// Reset resets the named breaker, returning false if it does not exist yet.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every known breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()
	for _, b := range breakers {
		b.Reset()
	}
}
