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

// Package bridge implements newline-delimited JSON-RPC 2.0 framing and
// request/response correlation over a single stdio pipe pair, the adapter
// that turns bytes from a child process into correlated calls.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localmcp/router/pkg/routererr"
)

const (
	defaultSendTimeout = 30 * time.Second
	protocolVersion    = "2024-11-05"
)

// pendingResult is what a pending channel carries: either a matched response
// message, or a signal that the bridge was closed while the request was in flight.
type pendingResult struct {
	msg    rpcMessage
	closed bool
}

// Bridge is bound to one child process's stdin/stdout pipe pair.
type Bridge struct {
	id     string
	stdin  io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  int64

	mu      sync.Mutex
	pending map[int64]chan pendingResult
	closed  bool

	readerDone chan struct{}
	cancel     context.CancelFunc
}

// New wires a Bridge to stdin (writer) and stdout (reader), starting its
// background reader goroutine immediately.
func New(stdin io.Writer, stdout io.Reader, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:         uuid.NewString(),
		stdin:      stdin,
		pending:    make(map[int64]chan pendingResult),
		readerDone: make(chan struct{}),
		cancel:     cancel,
	}
	b.logger = logger.With("bridge_id", b.id)
	go b.readLoop(ctx, stdout)
	return b
}

func (b *Bridge) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(b.readerDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			b.logger.Warn("malformed stdio line, skipping", "error", err)
			continue
		}

		if msg.ID == nil {
			b.logger.Debug("dropping message without id", "method", msg.Method)
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[*msg.ID]
		if ok {
			delete(b.pending, *msg.ID)
		}
		b.mu.Unlock()

		if !ok {
			b.logger.Debug("dropping response with unknown id", "id", *msg.ID)
			continue
		}
		ch <- pendingResult{msg: msg}
	}
	b.logger.Warn("bridge reader reached EOF")

	// The child's stdout is gone, so no in-flight request can ever be
	// answered; resolve them as closed instead of letting them run out
	// their full timeouts against a dead process.
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[int64]chan pendingResult)
	b.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{closed: true}
	}
}

// Send issues a request and waits for its matched response or timeout (0 uses
// the default of 30s). Returns BridgeClosed if the bridge has been closed, or
// Timeout if no response arrives in time.
func (b *Bridge) Send(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	b.writeMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.writeMu.Unlock()
		return nil, routererr.New(routererr.BridgeClosed, "bridge is closed")
	}
	b.nextID++
	id := b.nextID
	ch := make(chan pendingResult, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	raw, err := encodeRequest(id, method, params)
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		b.writeMu.Unlock()
		return nil, routererr.Wrap(routererr.Malformed, err, "encode request")
	}
	_, werr := b.stdin.Write(raw)
	b.writeMu.Unlock()
	if werr != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, routererr.Wrap(routererr.BridgeClosed, werr, "write request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.closed {
			return nil, routererr.New(routererr.BridgeClosed, "bridge closed while request in flight")
		}
		return toResponse(result.msg), nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, routererr.Newf(routererr.Timeout, "no response to %q within %s", method, timeout)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, routererr.Wrap(routererr.Timeout, ctx.Err(), "request cancelled")
	}
}

// SendNotification writes a message with no id; no response is awaited.
func (b *Bridge) SendNotification(method string, params any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return routererr.New(routererr.BridgeClosed, "bridge is closed")
	}

	raw, err := encodeNotification(method, params)
	if err != nil {
		return routererr.Wrap(routererr.Malformed, err, "encode notification")
	}
	if _, err := b.stdin.Write(raw); err != nil {
		return routererr.Wrap(routererr.BridgeClosed, err, "write notification")
	}
	return nil
}

// Initialize performs the MCP handshake. Failure is non-fatal: the caller
// should log and continue using the bridge.
func (b *Bridge) Initialize(ctx context.Context) (json.RawMessage, error) {
	resp, err := b.Send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "localmcp-router",
			"version": "1",
		},
	}, 0)
	if err != nil {
		return nil, err
	}
	_ = b.SendNotification("notifications/initialized", nil)
	if resp.Error != nil {
		return nil, routererr.Newf(routererr.Malformed, "initialize rejected: %s", resp.Error.Message)
	}
	return resp.Result, nil
}

// Close cancels the reader and resolves all pending awaiters with BridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[int64]chan pendingResult)
	b.mu.Unlock()

	b.cancel()
	for _, ch := range pending {
		ch <- pendingResult{closed: true}
	}
}

// PendingCount reports how many requests are currently awaiting a response,
// used by tests asserting the pending map drains to empty.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	return encodeLine(rpcMessage{JSONRPC: "2.0", ID: &id, Method: method}, params)
}

func encodeNotification(method string, params any) ([]byte, error) {
	return encodeLine(rpcMessage{JSONRPC: "2.0", Method: method}, params)
}

func encodeLine(msg rpcMessage, params any) ([]byte, error) {
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func toResponse(msg rpcMessage) *Response {
	resp := &Response{Result: msg.Result}
	if msg.Error != nil {
		resp.Error = &RPCError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
	}
	return resp
}
