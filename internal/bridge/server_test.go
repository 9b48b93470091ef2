// ABOUTME: Tests for the bridge handshake, request dispatch, session delivery, and disconnect cascade
// ABOUTME: Nodes are driven over net.Pipe with a line reader on the client end

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/protocol"
)

type recorder struct {
	mu           sync.Mutex
	connected    []NodeInfo
	disconnected []NodeInfo
	events       []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnConnect: func(info NodeInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, info)
		},
		OnDisconnect: func(info NodeInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected = append(r.disconnected, info)
		},
		OnEvent: func(ctx context.Context, info NodeInfo, event string, payload json.RawMessage) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, info.NodeID+":"+event+":"+string(payload))
			return nil
		},
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected), len(r.events)
}

type testNode struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (n *testNode) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, n.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err = n.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (n *testNode) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, n.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := n.reader.ReadBytes('\n')
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func newTestServer(t *testing.T, settings auth.Settings, hooks Hooks) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authn := auth.NewAuthenticator(settings, nil, logger)
	d := dispatch.New(nil, nil, logger)
	srv := NewServer(Config{ServerName: "test-gw", HelloTimeout: 100 * time.Millisecond}, authn, d, hooks, nil, logger)
	srv.RegisterMethods(d)
	return srv
}

func connect(t *testing.T, srv *Server) *testNode {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), server)
		close(done)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return &testNode{conn: client, reader: bufio.NewReader(client)}
}

func hello(t *testing.T, n *testNode, nodeID string) {
	t.Helper()
	n.send(t, map[string]any{"type": "hello", "nodeId": nodeID, "displayName": "Phone", "platform": "ios"})
	resp := n.read(t)
	require.Equal(t, "hello-ok", resp["type"])
	assert.Equal(t, "test-gw", resp["serverName"])
}

func TestHelloSucceeds(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, rec.hooks())
	n := connect(t, srv)

	hello(t, n, "phone")

	connected, _, _ := rec.counts()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, srv.Count())
	assert.Equal(t, "phone", srv.Nodes()[0].NodeID)
}

func TestInvalidHelloIsRejected(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})
	n := connect(t, srv)

	n.send(t, map[string]any{"type": "req", "id": "1", "method": "health"})
	resp := n.read(t)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.CloseInvalidHandshake, resp["message"])

	_, err := n.reader.ReadBytes('\n')
	assert.Error(t, err)
	assert.Zero(t, srv.Count())
}

func TestHelloRequiresCredentials(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeToken, Token: "secret"}, Hooks{})

	n := connect(t, srv)
	n.send(t, map[string]any{"type": "hello", "nodeId": "phone", "token": "wrong"})
	resp := n.read(t)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, string(protocol.CodeForbidden), resp["code"])
	assert.Equal(t, protocol.CloseUnauthorized, resp["message"])

	ok := connect(t, srv)
	ok.send(t, map[string]any{"type": "hello", "nodeId": "phone", "token": "secret"})
	assert.Equal(t, "hello-ok", ok.read(t)["type"])
}

func TestHelloTimeout(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})
	n := connect(t, srv)

	resp := n.read(t)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.CloseHandshakeTimeout, resp["message"])
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})
	n := connect(t, srv)
	hello(t, n, "phone")

	n.send(t, map[string]any{"type": "ping", "id": "7"})
	resp := n.read(t)
	assert.Equal(t, "pong", resp["type"])
	assert.Equal(t, "7", resp["id"])
}

func TestSubscribeAndReceiveSessionEvents(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})
	n := connect(t, srv)
	hello(t, n, "phone")

	n.send(t, map[string]any{"type": "req", "id": "1", "method": "chat.subscribe", "params": map[string]any{"sessionKey": "main"}})
	resp := n.read(t)
	assert.Equal(t, "res", resp["type"])
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, []string{"phone"}, srv.Subscriptions().NodesFor("main"))

	srv.SendToSession("other", protocol.EventChat, map[string]string{"state": "delta"})
	srv.SendToSession("main", protocol.EventChat, map[string]string{"state": "final"})

	ev := n.read(t)
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, protocol.EventChat, ev["event"])
	assert.Equal(t, map[string]any{"state": "final"}, ev["payload"])

	n.send(t, map[string]any{"type": "req", "id": "2", "method": "node.list"})
	list := n.read(t)
	nodes := list["payload"].(map[string]any)["nodes"].([]any)
	require.Len(t, nodes, 1)
	assert.Equal(t, []any{"main"}, nodes[0].(map[string]any)["sessions"])

	n.send(t, map[string]any{"type": "req", "id": "3", "method": "chat.unsubscribe", "params": map[string]any{"sessionKey": "main"}})
	assert.Equal(t, true, n.read(t)["ok"])
	assert.Empty(t, srv.Subscriptions().NodesFor("main"))
}

func TestDisconnectCascadesSubscriptions(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, rec.hooks())
	n := connect(t, srv)
	hello(t, n, "phone")

	n.send(t, map[string]any{"type": "req", "id": "1", "method": "chat.subscribe", "params": map[string]any{"sessionKey": "main"}})
	n.read(t)

	require.NoError(t, n.conn.Close())

	require.Eventually(t, func() bool {
		_, disconnected, _ := rec.counts()
		return disconnected == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, srv.Subscriptions().NodesFor("main"))
	assert.Empty(t, srv.Subscriptions().SessionsFor("phone"))
	assert.Zero(t, srv.Count())
}

func TestNodeEventsReachHook(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, rec.hooks())
	n := connect(t, srv)
	hello(t, n, "phone")

	n.send(t, map[string]any{"type": "event", "event": EventVoiceTranscript, "payload": map[string]any{"text": "hi"}})
	n.send(t, map[string]any{"type": "ping", "id": "sync"})
	n.read(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, `phone:voice.transcript:{"text":"hi"}`, rec.events[0])
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, rec.hooks())

	first := connect(t, srv)
	hello(t, first, "phone")
	first.send(t, map[string]any{"type": "req", "id": "1", "method": "chat.subscribe", "params": map[string]any{"sessionKey": "main"}})
	first.read(t)

	second := connect(t, srv)
	hello(t, second, "phone")

	_, err := first.reader.ReadBytes('\n')
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Count())
	assert.Empty(t, srv.Subscriptions().NodesFor("main"))
}

func TestOperatorMethodsAreForbiddenOverWebSocketCallers(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(nil, nil, logger)
	srv.RegisterMethods(d)

	resp := d.Dispatch(t.Context(), dispatch.Caller{Mode: "webchat"}, protocol.RequestFrame{
		ID:     "1",
		Method: protocol.MethodChatSubscribe,
		Params: json.RawMessage(`{"sessionKey":"main"}`),
	})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeForbidden, resp.Error.Code)
}

func TestReplacedConnectionCannotSubscribe(t *testing.T) {
	srv := newTestServer(t, auth.Settings{Mode: auth.ModeNone}, Hooks{})

	first := connect(t, srv)
	hello(t, first, "phone")
	stale := srv.Nodes()[0].ConnID

	second := connect(t, srv)
	hello(t, second, "phone")
	current := srv.Nodes()[0].ConnID
	require.NotEqual(t, stale, current)

	// A request the old reader was still handling when the node reconnected.
	_, err := srv.handleSubscribe(t.Context(), dispatch.Caller{
		ConnID: stale,
		Mode:   protocol.ModeNode,
		NodeID: "phone",
	}, protocol.ChatSubscribeParams{SessionKey: "main"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnavailable, protocol.AsError(err).Code)
	assert.Empty(t, srv.Subscriptions().NodesFor("main"))

	second.send(t, map[string]any{"type": "req", "id": "1", "method": "chat.subscribe", "params": map[string]any{"sessionKey": "main"}})
	assert.Equal(t, true, second.read(t)["ok"])
	assert.Equal(t, []string{"phone"}, srv.Subscriptions().NodesFor("main"))
}
