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

// Package dispatch is the thin HTTP surface mapping local clients onto the
// core operations: server lifecycle, breaker inspection, JSON-RPC proxying
// and prompt enhancement. It carries no middleware, CORS or templating —
// that framing stays out of scope; this is a direct route-to-method mapping.
package dispatch

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localmcp/router/pkg/breaker"
	"github.com/localmcp/router/pkg/bridge"
	"github.com/localmcp/router/pkg/enhancement"
	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/routererr"
	"github.com/localmcp/router/pkg/supervisor"
)

// Dispatcher wires the core components behind gin routes.
type Dispatcher struct {
	reg         *registry.Registry
	sup         *supervisor.Supervisor
	breakers    *breaker.Registry
	enhancement *enhancement.Service
}

// New creates a Dispatcher over the given collaborators.
func New(reg *registry.Registry, sup *supervisor.Supervisor, breakers *breaker.Registry, enh *enhancement.Service) *Dispatcher {
	return &Dispatcher{reg: reg, sup: sup, breakers: breakers, enhancement: enh}
}

// Routes registers every route on engine.
func (d *Dispatcher) Routes(engine *gin.Engine) {
	engine.GET("/health", d.health)

	engine.GET("/servers", d.listServers)
	engine.GET("/servers/status", d.statusSummary)
	engine.POST("/servers/:name/start", d.startServer)
	engine.POST("/servers/:name/stop", d.stopServer)
	engine.POST("/servers/:name/restart", d.restartServer)
	engine.POST("/servers/:name/rpc", d.proxyRPC)

	engine.GET("/breakers", d.listBreakers)
	engine.POST("/breakers/:name/reset", d.resetBreaker)

	engine.POST("/enhance", d.enhance)
	engine.POST("/enhance/cache/clear", d.clearEnhancementCache)
	engine.GET("/enhance/stats", d.enhancementStats)
	engine.POST("/enhance/reset", d.resetEnhancementBreaker)
}

func (d *Dispatcher) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Dispatcher) listServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": d.reg.ListAll()})
}

func (d *Dispatcher) statusSummary(c *gin.Context) {
	c.JSON(http.StatusOK, d.sup.StatusSummary())
}

func (d *Dispatcher) startServer(c *gin.Context) {
	name := c.Param("name")
	if err := d.sup.StartServer(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (d *Dispatcher) stopServer(c *gin.Context) {
	name := c.Param("name")
	if err := d.sup.StopServer(name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (d *Dispatcher) restartServer(c *gin.Context) {
	name := c.Param("name")
	if err := d.sup.RestartServer(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

type rpcRequest struct {
	Method       string `json:"method" binding:"required"`
	Params       any    `json:"params"`
	TimeoutMs    int    `json:"timeout_ms"`
	Notification bool   `json:"notification"`
}

// proxyRPC forwards a JSON-RPC call through name's bridge, recording
// transport-level failures (never application-level RPC error payloads) to
// the breaker for name.
func (d *Dispatcher) proxyRPC(c *gin.Context) {
	name := c.Param("name")

	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cb := d.breakers.Get(name)
	if err := cb.Check(); err != nil {
		writeError(c, err)
		return
	}

	br, ok := d.sup.GetBridge(name)
	if !ok {
		br, ok = d.autoStart(c, name)
	}
	if !ok {
		writeError(c, routererr.Newf(routererr.NotFound, "server %q has no live bridge", name).WithServer(name))
		return
	}

	if req.Notification {
		if err := br.SendNotification(req.Method, req.Params); err != nil {
			cb.RecordFailure()
			writeError(c, err)
			return
		}
		cb.RecordSuccess()
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	resp, err := br.Send(c.Request.Context(), req.Method, req.Params, timeout)
	if err != nil {
		cb.RecordFailure()
		writeError(c, err)
		return
	}
	cb.RecordSuccess()
	c.JSON(http.StatusOK, resp)
}

// autoStart brings up a declared auto_start stdio server whose bridge is not
// yet live, so proxy requests do not require a prior explicit start call.
func (d *Dispatcher) autoStart(c *gin.Context, name string) (*bridge.Bridge, bool) {
	cfg, err := d.reg.Get(name)
	if err != nil || !cfg.AutoStart || cfg.Transport != registry.TransportStdio {
		return nil, false
	}
	if err := d.sup.StartServer(c.Request.Context(), name); err != nil {
		return nil, false
	}
	return d.sup.GetBridge(name)
}

func (d *Dispatcher) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": d.breakers.AllStats()})
}

func (d *Dispatcher) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !d.breakers.Reset(name) {
		writeError(c, routererr.Newf(routererr.NotFound, "breaker %q not found", name).WithServer(name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type enhanceRequest struct {
	Prompt      string `json:"prompt" binding:"required"`
	ClientName  string `json:"client_name"`
	BypassCache bool   `json:"bypass_cache"`
}

func (d *Dispatcher) enhance(c *gin.Context) {
	var req enhanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := d.enhancement.Enhance(c.Request.Context(), req.Prompt, req.ClientName, req.BypassCache)
	c.JSON(http.StatusOK, result)
}

func (d *Dispatcher) clearEnhancementCache(c *gin.Context) {
	d.enhancement.ClearCache()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (d *Dispatcher) enhancementStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.enhancement.Stats(c.Request.Context()))
}

func (d *Dispatcher) resetEnhancementBreaker(c *gin.Context) {
	d.enhancement.ResetCircuitBreaker()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func writeError(c *gin.Context, err error) {
	kind, ok := routererr.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case routererr.NotFound:
		status = http.StatusNotFound
	case routererr.Conflict:
		status = http.StatusConflict
	case routererr.Timeout:
		status = http.StatusGatewayTimeout
	case routererr.BreakerOpen:
		status = http.StatusServiceUnavailable
	case routererr.BridgeClosed, routererr.Malformed, routererr.SpawnFailure, routererr.ConfigInvalid:
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	if be, ok := err.(*routererr.Error); ok && kind == routererr.BreakerOpen {
		body["retry_after"] = be.RetryAfterSeconds
	}
	c.JSON(status, body)
}
