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

package secrets

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmcp/router/pkg/registry"
)

func TestManager_GetCachesResolvedValue(t *testing.T) {
	t.Parallel()
	provider := NewStaticProvider(map[string]string{"api_key": "secret-value"})
	m := NewManager(provider, time.Minute)

	value, err := m.Get(context.Background(), "api_key")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", value)
}

func TestManager_GetUnknownKeyFails(t *testing.T) {
	t.Parallel()
	m := NewManager(NewStaticProvider(nil), time.Minute)
	_, err := m.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestManager_Rotate(t *testing.T) {
	t.Parallel()
	m := NewManager(NewStaticProvider(map[string]string{"k": "v1"}), time.Minute)

	rotated, err := m.Rotate(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v1_rotated", rotated)

	value, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v1_rotated", value)
}

func TestResolveEnv_LiteralsAndReferences(t *testing.T) {
	t.Parallel()
	m := NewManager(NewStaticProvider(map[string]string{"obsidian_api_key": "abc123"}), time.Minute)
	logger := slog.New(slog.NewTextHandler(discard{}, nil))

	env := map[string]registry.EnvValue{
		"PLAIN":   {Literal: "value"},
		"API_KEY": {IsRef: true, Ref: registry.CredentialRef{Source: "keyring", Service: "agenthub", Key: "obsidian_api_key"}},
		"MISSING": {IsRef: true, Ref: registry.CredentialRef{Source: "keyring", Service: "agenthub", Key: "does_not_exist"}},
	}

	resolved := ResolveEnv(context.Background(), m, env, logger)

	assert.Equal(t, "value", resolved["PLAIN"])
	assert.Equal(t, "abc123", resolved["API_KEY"])
	_, present := resolved["MISSING"]
	assert.False(t, present, "unresolved credential references must be omitted, not set to empty string")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
