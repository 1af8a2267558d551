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

// Package enhancement orchestrates resilient prompt enhancement: a cache
// check, a circuit breaker consult, and a call to the local LLM, degrading
// gracefully to the original prompt on any failure.
package enhancement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/localmcp/router/pkg/breaker"
	"github.com/localmcp/router/pkg/llmcache"
	"github.com/localmcp/router/pkg/llmclient"
	"github.com/localmcp/router/pkg/routererr"
)

// BreakerName is the target name the enhancement service's circuit breaker
// is registered under, for callers sharing a breaker.Registry.
const BreakerName = "llm"

// Rule is the per-client parameterization of enhancement.
type Rule struct {
	Enabled      bool
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// DefaultRule mirrors the upstream default enhancement rule.
func DefaultRule() Rule {
	return Rule{
		Enabled:      true,
		Model:        "llama3.2:3b",
		SystemPrompt: "Improve clarity and structure. Preserve intent. Return only the enhanced prompt.",
		Temperature:  0.3,
		MaxTokens:    500,
	}
}

// Result is the outcome of one Enhance call.
type Result struct {
	Original      string `json:"original"`
	Enhanced      string `json:"enhanced"`
	Model         string `json:"model,omitempty"`
	Cached        bool   `json:"cached"`
	EnhancedByLLM bool   `json:"enhanced_by_llm"`
	Error         string `json:"error,omitempty"`
}

// WasEnhanced reports whether Enhanced differs from Original.
func (r Result) WasEnhanced() bool { return r.Original != r.Enhanced }

// Service composes a cache, an LLM client and a circuit breaker behind
// per-client rules, never letting an LLM failure surface past the original
// prompt.
type Service struct {
	llm    *llmclient.Client
	cache  *llmcache.Cache
	cb     *breaker.Breaker
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]Rule
}

// New creates a Service. rules maps client name to its Rule; a "default"
// entry, if present, replaces DefaultRule as the fallback.
func New(llm *llmclient.Client, cache *llmcache.Cache, cb *breaker.Breaker, rules map[string]Rule, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	merged := make(map[string]Rule, len(rules))
	for name, r := range rules {
		merged[name] = r
	}
	if _, ok := merged["default"]; !ok {
		merged["default"] = DefaultRule()
	}
	return &Service{llm: llm, cache: cache, cb: cb, logger: logger, rules: merged}
}

// Initialize logs the LLM daemon's current health; it never fails.
func (s *Service) Initialize(ctx context.Context) {
	if s.llm.IsHealthy(ctx) {
		s.logger.Info("llm daemon is healthy")
	} else {
		s.logger.Warn("llm daemon is not available, enhancement will be degraded")
	}
}

// Rule returns clientName's rule, falling back to "default".
func (s *Service) Rule(clientName string) Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if clientName != "" {
		if r, ok := s.rules[clientName]; ok {
			return r
		}
	}
	return s.rules["default"]
}

// SetRule installs or replaces clientName's rule.
func (s *Service) SetRule(clientName string, rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[clientName] = rule
}

// Enhance runs the cache → breaker → LLM pipeline for prompt, returning the
// original prompt (never an error) whenever any stage is skipped or fails.
func (s *Service) Enhance(ctx context.Context, prompt, clientName string, bypassCache bool) Result {
	rule := s.Rule(clientName)

	if !rule.Enabled {
		return Result{Original: prompt, Enhanced: prompt, Error: "enhancement disabled for client"}
	}

	key := llmcache.MakeKey(prompt, clientName, rule.Model)

	if !bypassCache {
		if cached, ok := s.cache.Get(key); ok {
			s.logger.Debug("cache hit for enhancement")
			return Result{Original: prompt, Enhanced: cached, Model: rule.Model, Cached: true}
		}
	}

	if err := s.cb.Check(); err != nil {
		kind, _ := routererr.KindOf(err)
		var retryAfter float64
		if be, ok := err.(*routererr.Error); ok {
			retryAfter = be.RetryAfterSeconds
		}
		s.logger.Warn("llm circuit breaker open", "kind", kind)
		return Result{
			Original: prompt,
			Enhanced: prompt,
			Error:    fmt.Sprintf("llm circuit breaker open, retry in %.0fs", retryAfter),
		}
	}

	res, err := s.llm.Generate(ctx, llmclient.GenerateRequest{
		Model:       rule.Model,
		Prompt:      prompt,
		System:      rule.SystemPrompt,
		Temperature: rule.Temperature,
		MaxTokens:   rule.MaxTokens,
	})
	if err != nil {
		s.cb.RecordFailure()
		s.logger.Warn("llm generate failed", "error", err)
		return Result{Original: prompt, Enhanced: prompt, Error: err.Error()}
	}

	enhanced := strings.TrimSpace(res.Response)
	s.cb.RecordSuccess()
	s.cache.Set(key, enhanced, 0)

	s.logger.Debug("enhanced prompt", "model", rule.Model)
	return Result{Original: prompt, Enhanced: enhanced, Model: rule.Model, EnhancedByLLM: true}
}

// Stats is the combined view exposed by the HTTP collaborator's stats route.
type Stats struct {
	Cache        llmcache.Stats `json:"cache"`
	CircuitState breaker.State  `json:"circuit_state"`
	LLMHealthy   bool           `json:"llm_healthy"`
}

// Stats returns the current cache, breaker and LLM-health snapshot.
func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Cache:        s.cache.Stats(),
		CircuitState: s.cb.State(),
		LLMHealthy:   s.llm.IsHealthy(ctx),
	}
}

// ResetCircuitBreaker unconditionally closes the LLM circuit breaker.
func (s *Service) ResetCircuitBreaker() {
	s.cb.Reset()
	s.logger.Info("llm circuit breaker reset")
}

// ClearCache drops every cached enhancement result.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Info("enhancement cache cleared")
}

// Close releases the underlying LLM client's connections.
func (s *Service) Close() {
	s.llm.Close()
}
