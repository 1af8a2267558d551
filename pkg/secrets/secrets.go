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

// Package secrets is the credential collaborator the process manager asks to
// resolve tagged env-value references at spawn time. OS keyring integration
// itself stays out of scope; Provider is the seam a real keyring-backed
// implementation would plug into.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider is the external credential store contract: Get resolves a single
// key, returning ("", false) if it doesn't exist.
type Provider interface {
	Get(ctx context.Context, key string) (string, bool)
}

// StaticProvider is a Provider backed by a fixed in-process map, the default
// when no keyring-backed collaborator is configured.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a Provider over a fixed set of values.
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

func (p *StaticProvider) Get(_ context.Context, key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Manager wraps a Provider with a short-TTL cache of resolved values, so
// repeated spawns of the same server within a short window do not re-resolve
// every credential key from the backing provider.
type Manager struct {
	provider Provider
	cache    *gocache.Cache
}

// NewManager wraps provider with a cache of the given TTL (0 disables expiry).
func NewManager(provider Provider, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Manager{
		provider: provider,
		cache:    gocache.New(ttl, ttl*2),
	}
}

// Get resolves key, serving from cache when present.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if cached, ok := m.cache.Get(key); ok {
		return cached.(string), nil
	}
	value, ok := m.provider.Get(ctx, key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	m.cache.SetDefault(key, value)
	return value, nil
}

// Rotate replaces key's cached value with "<current>_rotated", where current
// is what Get returns (the cached value, or a fresh provider lookup on a
// cache miss). The provider itself is never asked for a newer value or
// updated.
func (m *Manager) Rotate(ctx context.Context, key string) (string, error) {
	old, err := m.Get(ctx, key)
	if err != nil {
		return "", err
	}
	rotated := old + "_rotated"
	m.cache.SetDefault(key, rotated)
	return rotated, nil
}
