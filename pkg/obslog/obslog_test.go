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

package obslog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewRedactingHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(handler)

	logger.Info("spawning server", "env", "API_KEY=secret123", "server", "fetcher")
	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.NotContains(t, buf.String(), "secret123")
	assert.Contains(t, buf.String(), "fetcher", "non-sensitive attrs pass through")
	buf.Reset()

	loggerWith := logger.With("token", "tok-456")
	loggerWith.Info("context test")
	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.NotContains(t, buf.String(), "tok-456")
	buf.Reset()

	logger.Info("group attribute", slog.Group("spawn", slog.String("password", "secret456")))
	assert.Contains(t, buf.String(), "spawn.password=[REDACTED]")
	assert.NotContains(t, buf.String(), "secret456")
	buf.Reset()

	grouped := logger.WithGroup("proc")
	grouped.Info("group test", "api_key", "secret789")
	assert.NotContains(t, buf.String(), "secret789")
}
