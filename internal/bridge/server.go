// ABOUTME: TCP server for bridge nodes: hello handshake, request dispatch, and session delivery
// ABOUTME: Disconnects cascade into the subscription index before presence is updated

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/protocol"
)

// Defaults applied by NewServer.
const (
	DefaultHelloTimeout = 10 * time.Second
	DefaultMaxLineBytes = 512 * 1024
)

// Authenticator resolves hello credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials, remoteAddr string) (auth.Result, error)
}

// Dispatcher answers node requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller dispatch.Caller, req protocol.RequestFrame) protocol.ResponseFrame
}

// Hooks connects node lifecycle to the rest of the gateway. Every hook is
// optional and runs on the node's reader goroutine.
type Hooks struct {
	OnConnect    func(info NodeInfo)
	OnDisconnect func(info NodeInfo)
	OnEvent      func(ctx context.Context, info NodeInfo, event string, payload json.RawMessage) error
}

// Config tunes a Server.
type Config struct {
	ServerName   string
	HelloTimeout time.Duration
	MaxLineBytes int
}

// Server accepts bridge nodes.
type Server struct {
	cfg        Config
	auth       Authenticator
	dispatcher Dispatcher
	hooks      Hooks
	subs       *Subscriptions
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu     sync.RWMutex
	nodes  map[string]*Node
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a bridge server.
func NewServer(cfg Config, authn Authenticator, d Dispatcher, hooks Hooks, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	return &Server{
		cfg:        cfg,
		auth:       authn,
		dispatcher: d,
		hooks:      hooks,
		subs:       NewSubscriptions(),
		metrics:    m,
		logger:     logger.With("component", "bridge"),
		nodes:      make(map[string]*Node),
	}
}

// Subscriptions exposes the session index.
func (s *Server) Subscriptions() *Subscriptions {
	return s.subs
}

// Serve accepts connections on ln until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting bridge connection: %w", err)
		}

		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one node connection to completion.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineBytes)

	node, err := s.handshake(ctx, conn, scanner)
	if err != nil {
		s.logger.Info("bridge handshake failed", "remote_addr", remote, "error", err)
		_ = conn.Close()
		return
	}

	defer s.disconnect(node)

	caller := dispatch.Caller{
		ConnID:     node.info.ConnID,
		Mode:       protocol.ModeNode,
		NodeID:     node.info.NodeID,
		RemoteAddr: remote,
		Auth:       node.auth,
	}
	for scanner.Scan() {
		s.handleLine(ctx, node, caller, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("bridge read ended", "node_id", node.info.NodeID, "error", err)
	}
}

var (
	errInvalidHello = errors.New(protocol.CloseInvalidHandshake)
	errHelloTimeout = errors.New(protocol.CloseHandshakeTimeout)
)

func (s *Server) handshake(ctx context.Context, conn net.Conn, scanner *bufio.Scanner) (*Node, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))

	if !scanner.Scan() {
		err := scanner.Err()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.metrics.HandshakeFailed("timeout")
			s.reject(conn, protocol.CodeInvalidRequest, protocol.CloseHandshakeTimeout)
			return nil, errHelloTimeout
		}
		if err == nil {
			err = errors.New("connection closed before hello")
		}
		return nil, err
	}

	var hello inbound
	if err := json.Unmarshal(scanner.Bytes(), &hello); err != nil || hello.Type != frameHello || hello.NodeID == "" {
		s.metrics.HandshakeFailed("invalid")
		s.reject(conn, protocol.CodeInvalidRequest, protocol.CloseInvalidHandshake)
		return nil, errInvalidHello
	}

	remote := conn.RemoteAddr().String()
	result, err := s.auth.Authenticate(ctx, auth.Credentials{Token: hello.Token, Password: hello.Password}, remote)
	if err != nil {
		s.metrics.HandshakeFailed("unauthorized")
		s.reject(conn, protocol.CodeForbidden, protocol.CloseUnauthorized)
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	node := newNode(NodeInfo{
		NodeID:      hello.NodeID,
		DisplayName: hello.DisplayName,
		Platform:    hello.Platform,
		Version:     hello.Version,
		RemoteAddr:  remote,
		ConnID:      uuid.NewString(),
		ConnectedAt: time.Now(),
	}, conn)
	node.auth = result

	if err := s.register(node); err != nil {
		s.reject(conn, protocol.CodeUnavailable, err.Error())
		return nil, err
	}

	s.logger.Info("bridge node connected",
		"node_id", hello.NodeID,
		"display_name", hello.DisplayName,
		"platform", hello.Platform,
		"auth_method", result.Method,
	)
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(node.info)
	}

	go node.writeLoop()
	frame, _ := encodeLine(helloOK{Type: frameHelloOK, ServerName: s.cfg.ServerName})
	node.enqueue(frame)
	return node, nil
}

// reject writes an error frame directly; the writer has not started yet.
func (s *Server) reject(conn net.Conn, code protocol.ErrorCode, message string) {
	frame, err := encodeLine(errorFrame{Type: frameError, Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write(frame)
}

func (s *Server) register(node *Node) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("gateway shutting down")
	}
	previous := s.nodes[node.info.NodeID]
	s.nodes[node.info.NodeID] = node
	if previous != nil {
		s.subs.RemoveNode(node.info.NodeID)
	}
	count := len(s.nodes)
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info("bridge node reconnected, closing previous connection", "node_id", node.info.NodeID)
		previous.kill()
	}
	s.metrics.SetNodes(count)
	return nil
}

// subscribe links sessionKey to the node only while connID is its current
// connection. Subscription links change under s.mu so a replaced
// connection cannot add links after its node was re-registered.
func (s *Server) subscribe(nodeID, connID, sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.nodes[nodeID]
	if node == nil || node.info.ConnID != connID {
		return false
	}
	s.subs.Subscribe(nodeID, sessionKey)
	return true
}

func (s *Server) disconnect(node *Node) {
	var sessions []string
	s.mu.Lock()
	current := s.nodes[node.info.NodeID] == node
	if current {
		delete(s.nodes, node.info.NodeID)
		sessions = s.subs.RemoveNode(node.info.NodeID)
	}
	count := len(s.nodes)
	s.mu.Unlock()

	node.Close()
	<-node.written

	if !current {
		return
	}
	s.metrics.SetNodes(count)
	s.logger.Info("bridge node disconnected", "node_id", node.info.NodeID, "sessions", len(sessions))
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(node.info)
	}
}

func (s *Server) handleLine(ctx context.Context, node *Node, caller dispatch.Caller, line []byte) {
	if len(line) == 0 {
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Debug("ignoring malformed bridge frame", "node_id", node.info.NodeID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.FrameRequest:
		resp := s.dispatcher.Dispatch(ctx, caller, protocol.RequestFrame{
			Type:   msg.Type,
			ID:     msg.ID,
			Method: msg.Method,
			Params: msg.Params,
		})
		s.sendTo(node, resp)
	case framePing:
		s.sendTo(node, pong{Type: framePong, ID: msg.ID})
	case protocol.FrameEvent:
		if s.hooks.OnEvent == nil {
			return
		}
		if err := s.hooks.OnEvent(ctx, node.info, msg.Event, msg.Payload); err != nil {
			s.logger.Warn("bridge event rejected", "node_id", node.info.NodeID, "event", msg.Event, "error", err)
		}
	default:
		s.logger.Debug("ignoring unknown bridge frame", "node_id", node.info.NodeID, "type", msg.Type)
	}
}

func (s *Server) sendTo(node *Node, v any) {
	frame, err := encodeLine(v)
	if err != nil {
		s.logger.Error("encoding bridge frame", "error", err)
		return
	}
	s.deliver(node, frame)
}

// deliver enqueues frame, closing the node if its queue is full.
func (s *Server) deliver(node *Node, frame []byte) bool {
	if node.enqueue(frame) {
		return true
	}
	select {
	case <-node.done:
	default:
		s.logger.Warn("closing slow bridge node", "node_id", node.info.NodeID)
		s.metrics.SlowConsumerClosed()
		node.kill()
	}
	return false
}

// SendToSession delivers an event to every node subscribed to sessionKey.
func (s *Server) SendToSession(sessionKey, event string, payload any) {
	ids := s.subs.NodesFor(sessionKey)
	if len(ids) == 0 {
		return
	}
	frame, err := encodeLine(protocol.EventFrame{Type: protocol.FrameEvent, Event: event, Payload: payload})
	if err != nil {
		s.logger.Error("encoding session event", "event", event, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			targets = append(targets, n)
		}
	}
	s.mu.RUnlock()

	for _, n := range targets {
		if s.deliver(n, frame) {
			s.metrics.EventSent(event)
		}
	}
}

// Broadcast delivers an event to every connected node. It is used for
// keepalive ticks and the shutdown notice.
func (s *Server) Broadcast(event string, payload any) {
	frame, err := encodeLine(protocol.EventFrame{Type: protocol.FrameEvent, Event: event, Payload: payload})
	if err != nil {
		s.logger.Error("encoding node event", "event", event, "error", err)
		return
	}
	for _, n := range s.snapshot() {
		if n.enqueue(frame) {
			s.metrics.EventSent(event)
		} else {
			s.metrics.EventDropped(event)
		}
	}
}

// Nodes lists connected nodes with their subscriptions, sorted by node id.
func (s *Server) Nodes() []NodeInfo {
	nodes := s.snapshot()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		info := n.info
		info.Sessions = s.subs.SessionsFor(info.NodeID)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

// Count returns the number of connected nodes.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Server) snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// Close flushes and closes every node and waits for their goroutines. New
// connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, n := range s.snapshot() {
		n.Close()
	}
	s.wg.Wait()
}
