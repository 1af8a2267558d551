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

package registry

import "time"

// Transport identifies how a server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Status is the runtime lifecycle state of a supervised server.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusFailed   Status = "FAILED"
)

// EnvValue is either a literal string or a tagged credential reference.
// Exactly one of Literal or Ref is meaningful, discriminated by IsRef.
type EnvValue struct {
	IsRef   bool
	Literal string
	Ref     CredentialRef
}

// CredentialRef names a credential to resolve through the injected collaborator.
type CredentialRef struct {
	Source  string `json:"source"`
	Service string `json:"service"`
	Key     string `json:"key"`
}

// ServerConfig is the persisted description of one MCP server.
type ServerConfig struct {
	Name                string              `json:"-"`
	Package             string              `json:"package,omitempty"`
	Transport           Transport           `json:"transport"`
	Command             string              `json:"command,omitempty"`
	Args                []string            `json:"args,omitempty"`
	Env                 map[string]EnvValue `json:"env,omitempty"`
	URL                 string              `json:"url,omitempty"`
	HealthEndpoint      string              `json:"health_endpoint,omitempty"`
	AutoStart           bool                `json:"auto_start"`
	RestartOnFailure    bool                `json:"restart_on_failure"`
	MaxRestarts         int                 `json:"max_restarts"`
	HealthCheckInterval int                 `json:"health_check_interval"`
	Description         string              `json:"description,omitempty"`
}

// ProcessInfo is the ephemeral runtime state for one server. It is never
// persisted; the json tags shape the read-API responses only.
type ProcessInfo struct {
	PID          int       `json:"pid"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// ServerState is the read-API composite of a config and its runtime state.
type ServerState struct {
	Config  ServerConfig `json:"config"`
	Process ProcessInfo  `json:"process"`
}

func newProcessInfo() ProcessInfo {
	return ProcessInfo{Status: StatusStopped}
}
