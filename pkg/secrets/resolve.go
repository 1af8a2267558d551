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
	"log/slog"

	"github.com/localmcp/router/pkg/registry"
)

// ResolveEnv turns a ServerConfig's tagged env map into plain strings, asking
// the collaborator to resolve every credential reference. A reference that
// cannot be resolved is omitted entirely (never set to an empty string) so
// the child process fails loudly instead of silently receiving a blank value.
func ResolveEnv(ctx context.Context, m *Manager, env map[string]registry.EnvValue, logger *slog.Logger) map[string]string {
	resolved := make(map[string]string, len(env))
	for name, v := range env {
		if !v.IsRef {
			resolved[name] = v.Literal
			continue
		}
		key := v.Ref.Key
		if key == "" {
			logger.Error("missing key in credential reference", "env", name)
			continue
		}
		value, err := m.Get(ctx, key)
		if err != nil {
			logger.Error("failed to resolve credential", "env", name, "service", v.Ref.Service, "key", key, "error", err)
			continue
		}
		resolved[name] = value
	}
	return resolved
}
