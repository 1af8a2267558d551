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

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmcp/router/pkg/routererr"
)

// startFakeChild wires a Bridge to an in-memory pipe pair and runs handle
// against every line the bridge writes, writing handle's output back as the
// child's stdout. It stands in for the real subprocess in these tests.
func startFakeChild(t *testing.T, handle func(line []byte) ([]byte, bool)) *Bridge {
	t.Helper()
	childStdinR, childStdinW := io.Pipe()   // bridge writes here, child reads
	childStdoutR, childStdoutW := io.Pipe() // child writes here, bridge reads

	go func() {
		scanner := bufio.NewScanner(childStdinR)
		for scanner.Scan() {
			reply, ok := handle(scanner.Bytes())
			if !ok {
				continue
			}
			_, _ = childStdoutW.Write(append(reply, '\n'))
		}
	}()

	b := New(childStdinW, childStdoutR, nil)
	t.Cleanup(b.Close)
	return b
}

func TestBridge_EchoConcurrent(t *testing.T) {
	t.Parallel()
	b := startFakeChild(t, func(line []byte) ([]byte, bool) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int64           `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, false
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params}
		out, _ := json.Marshal(resp)
		return out, true
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := b.Send(context.Background(), "ping", map[string]any{"x": n}, time.Second)
			require.NoError(t, err)
			var result map[string]any
			require.NoError(t, json.Unmarshal(resp.Result, &result))
			assert.Equal(t, float64(n), result["x"])
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return b.PendingCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBridge_TimeoutThenLateReply(t *testing.T) {
	t.Parallel()
	b := startFakeChild(t, func(line []byte) ([]byte, bool) {
		var req struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(line, &req)
		time.Sleep(200 * time.Millisecond)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"late": true}}
		out, _ := json.Marshal(resp)
		return out, true
	})

	_, err := b.Send(context.Background(), "slow", nil, 50*time.Millisecond)
	require.Error(t, err)
	kind, ok := routererr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, routererr.Timeout, kind)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())

	resp, err := b.Send(context.Background(), "fast", nil, time.Second)
	require.NoError(t, err, "a fresh request with a new id succeeds normally after the late reply was dropped")
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, true, result["late"])
}

func TestBridge_SendAfterCloseFails(t *testing.T) {
	t.Parallel()
	b := startFakeChild(t, func(line []byte) ([]byte, bool) { return nil, false })
	b.Close()

	_, err := b.Send(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
	kind, ok := routererr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, routererr.BridgeClosed, kind)
}

func TestBridge_ReaderEOFDrainsPendingRequests(t *testing.T) {
	t.Parallel()
	childStdinR, childStdinW := io.Pipe()
	childStdoutR, childStdoutW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, childStdinR) }()

	b := New(childStdinW, childStdoutR, nil)
	t.Cleanup(b.Close)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), "ping", nil, time.Minute)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, childStdoutW.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		kind, ok := routererr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, routererr.BridgeClosed, kind, "EOF must not leave callers waiting out their timeouts")
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after reader EOF")
	}
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_MalformedLineIsSkippedNotFatal(t *testing.T) {
	t.Parallel()
	childStdinR, childStdinW := io.Pipe()
	childStdoutR, childStdoutW := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(childStdinR)
		for scanner.Scan() {
			var req struct {
				ID int64 `json:"id"`
			}
			_ = json.Unmarshal(scanner.Bytes(), &req)
			_, _ = childStdoutW.Write([]byte("not json at all\n"))
			resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"ok": true}})
			_, _ = childStdoutW.Write(append(resp, '\n'))
		}
	}()

	b := New(childStdinW, childStdoutR, nil)
	t.Cleanup(b.Close)

	resp, err := b.Send(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, true, result["ok"])
}
