// ABOUTME: Tests for request routing, param validation, idempotent replay, and panic recovery
// ABOUTME: Uses a real dedupe cache and counting handlers

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/protocol"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	return New(cache, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func req(method, params string) protocol.RequestFrame {
	f := protocol.RequestFrame{Type: protocol.FrameRequest, ID: "1", Method: method}
	if params != "" {
		f.Params = json.RawMessage(params)
	}
	return f
}

var operator = Caller{ConnID: "c1", Mode: "webchat"}

func TestUnknownMethodIsForbidden(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Dispatch(t.Context(), operator, req("nope", ""))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeForbidden, resp.Error.Code)
	assert.Equal(t, "1", resp.ID)
}

func TestConnectAfterHandshakeIsInvalid(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Dispatch(t.Context(), operator, req(protocol.MethodConnect, `{}`))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
}

func TestNodeOnlyMethodRejectsOperators(t *testing.T) {
	d := newTestDispatcher(t)
	Register(d, protocol.MethodChatSubscribe, func(ctx context.Context, c Caller, p protocol.ChatSubscribeParams) (any, error) {
		return map[string]bool{"ok": true}, nil
	}, NodeOnly())

	resp := d.Dispatch(t.Context(), operator, req(protocol.MethodChatSubscribe, `{"sessionKey":"main"}`))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeForbidden, resp.Error.Code)

	node := Caller{ConnID: "n1", Mode: protocol.ModeNode, NodeID: "phone"}
	resp = d.Dispatch(t.Context(), node, req(protocol.MethodChatSubscribe, `{"sessionKey":"main"}`))
	assert.True(t, resp.OK)
}

func TestInvalidParamsSkipHandler(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	Register(d, protocol.MethodChatSend, func(ctx context.Context, c Caller, p protocol.ChatSendParams) (any, error) {
		calls.Add(1)
		return nil, nil
	}, Idempotent("chat"))

	resp := d.Dispatch(t.Context(), operator, req(protocol.MethodChatSend, `{"sessionKey":"main","message":"hi"}`))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "invalid chat.send params")
	assert.Contains(t, resp.Error.Message, "idempotencyKey")

	resp = d.Dispatch(t.Context(), operator, req(protocol.MethodChatSend, `{"sessionKey":"main","message":"hi","idempotencyKey":"k","bogus":1}`))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)

	assert.Zero(t, calls.Load())
}

func TestIdempotentReplayReturnsStoredOutcome(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	Register(d, protocol.MethodChatSend, func(ctx context.Context, c Caller, p protocol.ChatSendParams) (any, error) {
		n := calls.Add(1)
		return map[string]any{"runId": p.IdempotencyKey, "call": n}, nil
	}, Idempotent("chat"))

	params := `{"sessionKey":"main","message":"hi","idempotencyKey":"abc"}`
	first := d.Dispatch(t.Context(), operator, req(protocol.MethodChatSend, params))
	second := d.Dispatch(t.Context(), operator, req(protocol.MethodChatSend, params))

	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.Equal(t, int32(1), calls.Load())

	a, err := json.Marshal(first.Payload)
	require.NoError(t, err)
	b, err := json.Marshal(second.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"abc","call":1}`, string(a))
	assert.Equal(t, a, b)
}

func TestIdempotentErrorsAreReplayed(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	Register(d, protocol.MethodAgent, func(ctx context.Context, c Caller, p protocol.AgentParams) (any, error) {
		calls.Add(1)
		return nil, errors.New("runner offline")
	}, Idempotent("agent"))

	params := `{"message":"hi","idempotencyKey":"k1"}`
	for range 3 {
		resp := d.Dispatch(t.Context(), operator, req(protocol.MethodAgent, params))
		require.False(t, resp.OK)
		assert.Equal(t, protocol.CodeUnavailable, resp.Error.Code)
		assert.Equal(t, "runner offline", resp.Error.Message)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	release := make(chan struct{})
	Register(d, protocol.MethodChatSend, func(ctx context.Context, c Caller, p protocol.ChatSendParams) (any, error) {
		calls.Add(1)
		<-release
		return map[string]string{"runId": p.IdempotencyKey}, nil
	}, Idempotent("chat"))

	params := `{"sessionKey":"main","message":"hi","idempotencyKey":"same"}`
	var wg sync.WaitGroup
	results := make([]protocol.ResponseFrame, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), operator, req(protocol.MethodChatSend, params))
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.True(t, r.OK)
	}
}

func TestDistinctKeysExecuteSeparately(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	Register(d, protocol.MethodAgent, func(ctx context.Context, c Caller, p protocol.AgentParams) (any, error) {
		calls.Add(1)
		return nil, nil
	}, Idempotent("agent"))

	d.Dispatch(t.Context(), operator, req(protocol.MethodAgent, `{"message":"a","idempotencyKey":"1"}`))
	d.Dispatch(t.Context(), operator, req(protocol.MethodAgent, `{"message":"b","idempotencyKey":"2"}`))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerPanicBecomesUnavailable(t *testing.T) {
	d := newTestDispatcher(t)
	Register(d, protocol.MethodHealth, func(ctx context.Context, c Caller, p protocol.EmptyParams) (any, error) {
		panic("boom")
	})

	resp := d.Dispatch(t.Context(), operator, req(protocol.MethodHealth, ""))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeUnavailable, resp.Error.Code)
	assert.Equal(t, "1", resp.ID)
}

func TestProtocolErrorsKeepTheirCode(t *testing.T) {
	d := newTestDispatcher(t)
	Register(d, protocol.MethodChatAbort, func(ctx context.Context, c Caller, p protocol.ChatAbortParams) (any, error) {
		return nil, protocol.InvalidRequest("wrong session")
	})

	resp := d.Dispatch(t.Context(), operator, req(protocol.MethodChatAbort, `{"sessionKey":"main","runId":"r"}`))
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "wrong session", resp.Error.Message)
}

func TestMethodsIncludesConnect(t *testing.T) {
	d := newTestDispatcher(t)
	Register(d, protocol.MethodHealth, func(ctx context.Context, c Caller, p protocol.EmptyParams) (any, error) {
		return nil, nil
	})

	assert.Equal(t, []string{protocol.MethodConnect, protocol.MethodHealth}, d.Methods())
}

func TestRegisterPanicsOnMisuse(t *testing.T) {
	d := newTestDispatcher(t)
	h := func(ctx context.Context, c Caller, p protocol.EmptyParams) (any, error) { return nil, nil }

	assert.Panics(t, func() { Register(d, "x", h, Idempotent("chat")) })

	Register(d, "y", h)
	assert.Panics(t, func() { Register(d, "y", h) })
}
