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

// Package breaker implements the three-state circuit breaker used to protect
// every downstream target (an MCP stdio server or the local LLM daemon) from
// cascading failures: CLOSED (normal), OPEN (failing fast), HALF_OPEN
// (probing for recovery).
package breaker

import (
	"sync"
	"time"

	"github.com/localmcp/router/pkg/routererr"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config parameterizes a single breaker's thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
}

// DefaultConfig mirrors the upstream defaults: 3 failures to open, 30s
// recovery, one probe admitted in half-open, one success to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	TotalFailures   int       `json:"total_failures"`
	TotalSuccesses  int       `json:"total_successes"`
	TimesOpened     int       `json:"times_opened"`
}

// Breaker guards a single target name.
type Breaker struct {
	name   string
	config Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailure    time.Time
	lastSuccess    time.Time
	totalFailures  int
	totalSuccesses int
	timesOpened    int
	halfOpenCalls  int

	now func() time.Time
}

// New creates a breaker for name with the given config.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// State returns the current state, transparently performing the time-based
// OPEN→HALF_OPEN transition based on wall-clock elapsed time since the last
// failure. This is the only place that transition happens; there is no timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && !b.lastFailure.IsZero() {
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
		}
	}
	return b.state
}

// Stats returns a snapshot with the current (possibly lazily-transitioned) state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.stateLocked(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TimesOpened:     b.timesOpened,
	}
}

// Check reports whether a call is currently admitted, returning a
// *routererr.Error with Kind BreakerOpen if not.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.stateLocked()

	switch current {
	case StateClosed:
		return nil

	case StateOpen:
		retryAfter := 0.0
		if !b.lastFailure.IsZero() {
			elapsed := b.now().Sub(b.lastFailure).Seconds()
			retryAfter = b.config.RecoveryTimeout.Seconds() - elapsed
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return routererr.BreakerOpenError(b.name, string(current), retryAfter)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return routererr.BreakerOpenError(b.name, string(current), 0)
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// RecordSuccess records a successful call, closing the circuit from
// half-open once success_threshold successes have been observed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.stateLocked()
	b.successCount++
	b.totalSuccesses++
	b.lastSuccess = b.now()

	if current == StateClosed {
		b.failureCount = 0
	}
	if current == StateHalfOpen && b.successCount >= b.config.SuccessThreshold {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call, opening the circuit once
// failure_threshold consecutive failures have been observed (from closed),
// or immediately reopening it on any failure while half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.stateLocked()
	b.failureCount++
	b.totalFailures++
	b.lastFailure = b.now()

	switch current {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) transitionTo(next State) {
	b.state = next
	switch next {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
	case StateOpen:
		b.timesOpened++
		b.halfOpenCalls = 0
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenCalls = 0
	}
}

// Reset unconditionally returns the breaker to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.timesOpened = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
}
