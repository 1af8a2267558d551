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

package dispatch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmcp/router/pkg/breaker"
	"github.com/localmcp/router/pkg/enhancement"
	"github.com/localmcp/router/pkg/llmcache"
	"github.com/localmcp/router/pkg/llmclient"
	"github.com/localmcp/router/pkg/procmanager"
	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/secrets"
	"github.com/localmcp/router/pkg/supervisor"
)

func newTestEngine(t *testing.T) (*gin.Engine, *registry.Registry, *supervisor.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(afero.NewMemMapFs(), "/servers.json")
	require.NoError(t, reg.Load())
	require.NoError(t, reg.Add(registry.ServerConfig{
		Name: "echo", Transport: registry.TransportStdio, Command: "cat",
	}))

	creds := secrets.NewManager(secrets.NewStaticProvider(nil), time.Minute)
	logger := slog.New(slog.DiscardHandler)
	procs := procmanager.New(reg, creds, logger)
	sup := supervisor.New(reg, procs, time.Hour, logger)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	llm := llmclient.New(llmclient.Config{BaseURL: "http://127.0.0.1:1", MaxRetries: 0})
	enh := enhancement.New(llm, llmcache.New(10, time.Hour), breakers.Get(enhancement.BreakerName), nil, logger)

	d := New(reg, sup, breakers, enh)
	engine := gin.New()
	d.Routes(engine)

	t.Cleanup(func() {
		sup.Stop()
		enh.Close()
	})
	return engine, reg, sup
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerLifecycleAndRPCProxy(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	w := doJSON(t, engine, http.MethodPost, "/servers/echo/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, engine, http.MethodGet, "/servers", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/servers/echo/rpc", map[string]any{
		"method": "ping", "timeout_ms": 2000,
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, engine, http.MethodPost, "/servers/echo/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusSummaryRoute(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodGet, "/servers/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, float64(1), summary["total"])
}

func TestStartUnknownServerIsNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/servers/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnhanceDegradesGracefully(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/enhance", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "hi", result["enhanced"])
}

func TestProxyRPCAutoStartsConfiguredServer(t *testing.T) {
	engine, reg, sup := newTestEngine(t)
	require.NoError(t, reg.Add(registry.ServerConfig{
		Name: "auto", Transport: registry.TransportStdio, Command: "cat", AutoStart: true,
	}))

	w := doJSON(t, engine, http.MethodPost, "/servers/auto/rpc", map[string]any{
		"method": "ping", "timeout_ms": 2000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, ok := sup.GetBridge("auto")
	assert.True(t, ok, "the proxy request must have brought the server up")
}

func TestProxyRPCWithoutBridgeOrAutoStartIsNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/servers/echo/rpc", map[string]any{"method": "ping"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetUnknownBreakerIsNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := doJSON(t, engine, http.MethodPost, "/breakers/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
