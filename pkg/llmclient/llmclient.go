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

// Package llmclient is a client for a local, Ollama-compatible LLM daemon:
// health check, model listing, and retried text generation.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/localmcp/router/pkg/routererr"
)

// Config parameterizes a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig mirrors the upstream Ollama client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:11434",
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// Model is one entry from the daemon's model listing.
type Model struct {
	Name string `json:"name"`
}

// GenerateResult is the daemon's response to a generate call.
type GenerateResult struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	LoadDuration    int64  `json:"load_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	EvalDuration    int64  `json:"eval_duration"`
}

// TokensPerSecond computes generation throughput from eval_count/eval_duration
// (eval_duration is nanoseconds), mirroring the source daemon's own property.
// The second return is false when either figure is zero or missing.
func (r GenerateResult) TokensPerSecond() (float64, bool) {
	if r.EvalCount == 0 || r.EvalDuration == 0 {
		return 0, false
	}
	return float64(r.EvalCount) / (float64(r.EvalDuration) / 1e9), true
}

// Client is a lazily-connected HTTP client to the LLM daemon. The
// underlying http.Client is created once and reused across calls.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client from cfg, filling an empty BaseURL and a non-positive
// Timeout or RetryDelay with DefaultConfig's values. MaxRetries is replaced
// only when negative; zero disables retries.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Close releases the underlying HTTP client's idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// IsHealthy reports whether the daemon answers /api/tags, never returning an error.
func (c *Client) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the daemon's available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, routererr.Wrap(routererr.LLMOther, err, "build list-models request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, routererr.Wrap(routererr.LLMConnection, err, "cannot connect to LLM daemon")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, routererr.Newf(routererr.LLMOther, "list models: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, routererr.Wrap(routererr.LLMOther, err, "decode list-models response")
	}
	return payload.Models, nil
}

// HasModel reports whether name is among the daemon's available models,
// treating any listing error as "not available" rather than propagating it.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}

// GenerateRequest carries the optional parameters for Generate.
type GenerateRequest struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Generate calls the daemon's generate endpoint, retrying LLMConnection and
// LLMTimeout failures up to MaxRetries times with a fixed RetryDelay between
// attempts (github.com/cenkalti/backoff/v4's ConstantBackOff, matching the
// source daemon's non-increasing retry_delay). LLMModelMissing is never
// retried.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.MaxTokens > 0 {
		body["options"].(map[string]any)["num_predict"] = req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return GenerateResult{}, routererr.Wrap(routererr.LLMOther, err, "encode generate request")
	}

	var result GenerateResult
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxRetries))
	policy = backoff.WithContext(policy, ctx)

	op := func() error {
		res, err := c.doGenerate(ctx, payload, req.Model)
		if err == nil {
			result = res
			return nil
		}
		// Only transport-level failures are retried; model-missing and any
		// other application-level error surface on the first attempt.
		if routererr.Is(err, routererr.LLMConnection) || routererr.Is(err, routererr.LLMTimeout) {
			return err
		}
		return backoff.Permanent(err)
	}

	// backoff.Retry unwraps a *backoff.PermanentError back to its inner err,
	// so the last attempt's routererr.Error (carrying the right Kind) is what
	// comes back here regardless of whether it was permanent or exhausted.
	if err := backoff.Retry(op, policy); err != nil {
		return GenerateResult{}, err
	}
	return result, nil
}

func (c *Client) doGenerate(ctx context.Context, payload []byte, model string) (GenerateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return GenerateResult{}, routererr.Wrap(routererr.LLMOther, err, "build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return GenerateResult{}, routererr.Wrap(routererr.LLMTimeout, ctxErr, "generate request timed out")
		}
		return GenerateResult{}, routererr.Wrap(routererr.LLMConnection, err, "cannot connect to LLM daemon")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return GenerateResult{}, routererr.Newf(routererr.LLMModelMissing, "model %q not found", model)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return GenerateResult{}, routererr.Newf(routererr.LLMOther, "generate: unexpected status %d: %s", resp.StatusCode, string(data))
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return GenerateResult{}, routererr.Wrap(routererr.LLMOther, err, "decode generate response")
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}
