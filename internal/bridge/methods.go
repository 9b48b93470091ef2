// ABOUTME: Dispatcher methods owned by the bridge: session subscriptions and node listing
// ABOUTME: chat.subscribe and chat.unsubscribe are restricted to node callers

package bridge

import (
	"context"

	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/protocol"
)

type okResult struct {
	OK bool `json:"ok"`
}

type nodeListResult struct {
	Nodes []NodeInfo `json:"nodes"`
}

// RegisterMethods adds the bridge methods to d.
func (s *Server) RegisterMethods(d *dispatch.Dispatcher) {
	dispatch.Register(d, protocol.MethodChatSubscribe, s.handleSubscribe, dispatch.NodeOnly())
	dispatch.Register(d, protocol.MethodChatUnsubscribe, s.handleUnsubscribe, dispatch.NodeOnly())
	dispatch.Register(d, protocol.MethodNodeList, s.handleNodeList)
}

func (s *Server) handleSubscribe(ctx context.Context, caller dispatch.Caller, p protocol.ChatSubscribeParams) (any, error) {
	if !s.subscribe(caller.NodeID, caller.ConnID, p.SessionKey) {
		return nil, protocol.Unavailable("node %s is no longer connected on this connection", caller.NodeID)
	}
	s.logger.Debug("node subscribed", "node_id", caller.NodeID, "session_key", p.SessionKey)
	return okResult{OK: true}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, caller dispatch.Caller, p protocol.ChatSubscribeParams) (any, error) {
	s.subs.Unsubscribe(caller.NodeID, p.SessionKey)
	s.logger.Debug("node unsubscribed", "node_id", caller.NodeID, "session_key", p.SessionKey)
	return okResult{OK: true}, nil
}

func (s *Server) handleNodeList(ctx context.Context, caller dispatch.Caller, p protocol.EmptyParams) (any, error) {
	return nodeListResult{Nodes: s.Nodes()}, nil
}
