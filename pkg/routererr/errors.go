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

// Package routererr defines the language-neutral error kinds shared across the
// router's components and a single structured error type that carries one.
package routererr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories every component surfaces to its callers.
type Kind string

const (
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	SpawnFailure    Kind = "spawn_failure"
	BridgeClosed    Kind = "bridge_closed"
	Timeout         Kind = "timeout"
	Malformed       Kind = "malformed"
	BreakerOpen     Kind = "breaker_open"
	LLMConnection   Kind = "llm_connection"
	LLMTimeout      Kind = "llm_timeout"
	LLMModelMissing Kind = "llm_model_missing"
	LLMOther        Kind = "llm_other"
	ConfigInvalid   Kind = "config_invalid"
)

// Error is the structured error returned by every component constructor and
// method that can fail. It always carries a Kind and wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Server is the server/target name the error pertains to, when applicable.
	Server string
	// RetryAfterSeconds is populated for BreakerOpen errors.
	RetryAfterSeconds float64
}

func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Server, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, routererr.New(routererr.NotFound, "")) style checks, but
// the idiomatic check is routererr.KindOf(err) == routererr.NotFound.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a bare Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithServer returns a copy of e annotated with the server/target name.
func (e *Error) WithServer(name string) *Error {
	clone := *e
	clone.Server = name
	return &clone
}

// BreakerOpenError builds the structured error for a rejected Check() call.
func BreakerOpenError(name string, state string, retryAfter float64) *Error {
	return &Error{
		Kind:              BreakerOpen,
		Message:           fmt.Sprintf("circuit breaker %q is %s", name, state),
		Server:            name,
		RetryAfterSeconds: retryAfter,
	}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
