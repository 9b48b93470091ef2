// ABOUTME: Request handlers for chat, agent, presence, session, and status methods
// ABOUTME: Also turns bridge node events into self-correlated agent runs

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/protocol"
	"github.com/2389/switchboard/internal/session"
)

// Dedupe classes of idempotent methods.
const (
	dedupeChat  = "chat"
	dedupeAgent = "agent"
)

const defaultHistoryLimit = 200

type okResult struct {
	OK bool `json:"ok"`
}

type chatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

type chatAbortResult struct {
	OK      bool `json:"ok"`
	Aborted bool `json:"aborted"`
}

type chatHistoryResult struct {
	SessionKey    string                 `json:"sessionKey"`
	SessionID     string                 `json:"sessionId"`
	Messages      []protocol.ChatMessage `json:"messages"`
	ThinkingLevel string                 `json:"thinkingLevel"`
}

type presenceResult struct {
	Presence []presence.Entry `json:"presence"`
	Version  uint64           `json:"version"`
}

type sessionsListResult struct {
	Count    int             `json:"count"`
	Sessions []session.Entry `json:"sessions"`
}

type sessionsPatchResult struct {
	OK    bool          `json:"ok"`
	Key   string        `json:"key"`
	Entry session.Entry `json:"entry"`
}

// StatusSummary is the result of the status method.
type StatusSummary struct {
	Version  string     `json:"version"`
	Host     string     `json:"host"`
	UptimeMs int64      `json:"uptimeMs"`
	AuthMode string     `json:"authMode"`
	Runner   string     `json:"runner"`
	Clients  int        `json:"clients"`
	Nodes    int        `json:"nodes"`
	Seq      uint64     `json:"seq"`
	Runs     chat.Stats `json:"runs"`
	Dedupe   int        `json:"dedupeEntries"`
}

func (g *Gateway) registerMethods() {
	d := g.dispatcher
	dispatch.Register(d, protocol.MethodHealth, g.handleHealth)
	dispatch.Register(d, protocol.MethodStatus, g.handleStatus)
	dispatch.Register(d, protocol.MethodSystemPresence, g.handleSystemPresence)
	dispatch.Register(d, protocol.MethodSystemEvent, g.handleSystemEvent)
	dispatch.Register(d, protocol.MethodChatSend, g.handleChatSend, dispatch.Idempotent(dedupeChat))
	dispatch.Register(d, protocol.MethodChatAbort, g.handleChatAbort)
	dispatch.Register(d, protocol.MethodChatHistory, g.handleChatHistory)
	dispatch.Register(d, protocol.MethodAgent, g.handleAgent, dispatch.Idempotent(dedupeAgent))
	dispatch.Register(d, protocol.MethodSessionsList, g.handleSessionsList)
	dispatch.Register(d, protocol.MethodSessionsPatch, g.handleSessionsPatch)
	g.bridge.RegisterMethods(d)
}

func (g *Gateway) handleHealth(ctx context.Context, _ dispatch.Caller, _ protocol.EmptyParams) (any, error) {
	return g.health.Refresh(ctx), nil
}

func (g *Gateway) handleStatus(ctx context.Context, _ dispatch.Caller, _ protocol.EmptyParams) (any, error) {
	stats, err := g.mux.Stats()
	if err != nil {
		return nil, protocol.Unavailable("reading run state: %v", err)
	}
	return StatusSummary{
		Version:  g.version,
		Host:     g.host,
		UptimeMs: time.Since(g.started).Milliseconds(),
		AuthMode: string(g.auth.Mode()),
		Runner:   g.runnerName,
		Clients:  g.broadcaster.Count(),
		Nodes:    g.bridge.Count(),
		Seq:      g.broadcaster.Seq(),
		Runs:     stats,
		Dedupe:   g.dedupe.Len(),
	}, nil
}

func (g *Gateway) handleSystemPresence(_ context.Context, _ dispatch.Caller, _ protocol.EmptyParams) (any, error) {
	list, version := g.presence.Snapshot()
	return presenceResult{Presence: list, Version: version}, nil
}

func (g *Gateway) handleSystemEvent(_ context.Context, caller dispatch.Caller, p protocol.SystemEventParams) (any, error) {
	mode := p.Mode
	if mode == "" {
		mode = caller.Mode
	}
	reason := p.Reason
	if reason == "" {
		reason = presence.ReasonBeacon
	}
	_, changed := g.presence.Upsert(presence.Entry{
		Key:        presence.KeyFor(p.InstanceID, p.Host, caller.ConnID),
		Host:       p.Host,
		IP:         p.IP,
		Version:    p.Version,
		Platform:   p.Platform,
		Mode:       mode,
		Reason:     reason,
		InstanceID: p.InstanceID,
		Text:       p.Text,
	})
	if changed {
		g.broadcastPresence()
	}
	return okResult{OK: true}, nil
}

func (g *Gateway) handleChatSend(ctx context.Context, caller dispatch.Caller, p protocol.ChatSendParams) (any, error) {
	entry, err := g.sessions.Resolve(ctx, p.SessionKey)
	if err != nil {
		return nil, protocol.Unavailable("resolving session %s: %v", p.SessionKey, err)
	}

	if p.Message != "" {
		if err := g.sessions.AppendMessage(ctx, entry.Key, session.RoleUser, p.Message, p.IdempotencyKey); err != nil {
			g.logger.Warn("recording user message failed", "session_key", entry.Key, "error", err)
		}
	}

	thinking := p.Thinking
	if thinking == "" {
		thinking = entry.ThinkingLevel
	}

	// The multiplexer queue and the runner lane must see runs in one order.
	g.startMu.Lock()
	defer g.startMu.Unlock()

	runCtx, err := g.mux.Register(entry.SessionID, entry.Key, p.IdempotencyKey)
	if err != nil {
		if errors.Is(err, chat.ErrStopped) {
			return nil, protocol.Unavailable("gateway shutting down")
		}
		return nil, err
	}

	_, err = g.runner.StartRun(runCtx, agent.RunParams{
		RunID:       entry.SessionID,
		SessionKey:  entry.Key,
		SessionID:   entry.SessionID,
		Message:     p.Message,
		Thinking:    thinking,
		Attachments: attachments(p.Attachments),
		Timeout:     g.runTimeout(p.TimeoutMs),
		Principal:   caller.Auth.Principal,
	})
	if err != nil {
		if ferr := g.mux.Fail(entry.SessionID, p.IdempotencyKey, err); ferr != nil {
			g.logger.Warn("reporting failed run", "run_id", p.IdempotencyKey, "error", ferr)
		}
		return nil, protocol.Unavailable("starting agent run: %v", err)
	}

	return chatSendResult{RunID: p.IdempotencyKey, Status: "ok"}, nil
}

func (g *Gateway) handleChatAbort(_ context.Context, _ dispatch.Caller, p protocol.ChatAbortParams) (any, error) {
	aborted, err := g.mux.Abort(p.SessionKey, p.RunID)
	if err != nil {
		if errors.Is(err, chat.ErrStopped) {
			return nil, protocol.Unavailable("gateway shutting down")
		}
		return nil, err
	}
	return chatAbortResult{OK: true, Aborted: aborted}, nil
}

func (g *Gateway) handleChatHistory(ctx context.Context, _ dispatch.Caller, p protocol.ChatHistoryParams) (any, error) {
	limit := p.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	entry, msgs, err := g.sessions.History(ctx, p.SessionKey, limit)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return chatHistoryResult{
			SessionKey:    p.SessionKey,
			Messages:      []protocol.ChatMessage{},
			ThinkingLevel: "off",
		}, nil
	case err != nil:
		return nil, protocol.Unavailable("reading history: %v", err)
	}

	messages, err := session.ChatMessages(msgs, p.Format == "html")
	if err != nil {
		return nil, protocol.Unavailable("rendering history: %v", err)
	}
	thinking := entry.ThinkingLevel
	if thinking == "" {
		thinking = "off"
	}
	return chatHistoryResult{
		SessionKey:    entry.Key,
		SessionID:     entry.SessionID,
		Messages:      messages,
		ThinkingLevel: thinking,
	}, nil
}

func (g *Gateway) handleAgent(ctx context.Context, caller dispatch.Caller, p protocol.AgentParams) (any, error) {
	runID, err := g.startAgentRun(ctx, p.SessionKey, p.Message, p.Thinking, g.runTimeout(p.TimeoutMs), caller.Auth.Principal)
	if err != nil {
		return nil, err
	}
	return chatSendResult{RunID: runID, Status: "accepted"}, nil
}

// startAgentRun starts a run that no chat request owns. Its events are
// reported under the session id.
func (g *Gateway) startAgentRun(ctx context.Context, sessionKey, message, thinking string, timeout time.Duration, principal string) (string, error) {
	entry, err := g.sessions.Resolve(ctx, sessionKey)
	if err != nil {
		return "", protocol.Unavailable("resolving session %s: %v", sessionKey, err)
	}
	if err := g.sessions.AppendMessage(ctx, entry.Key, session.RoleUser, message, entry.SessionID); err != nil {
		g.logger.Warn("recording user message failed", "session_key", entry.Key, "error", err)
	}
	if thinking == "" {
		thinking = entry.ThinkingLevel
	}

	g.startMu.Lock()
	defer g.startMu.Unlock()

	runCtx, withdraw, err := g.mux.Track(entry.SessionID, entry.Key)
	if err != nil {
		return "", protocol.Unavailable("gateway shutting down")
	}
	runID, err := g.runner.StartRun(runCtx, agent.RunParams{
		RunID:      entry.SessionID,
		SessionKey: entry.Key,
		SessionID:  entry.SessionID,
		Message:    message,
		Thinking:   thinking,
		Timeout:    timeout,
		Principal:  principal,
	})
	if err != nil {
		withdraw()
		return "", protocol.Unavailable("starting agent run: %v", err)
	}
	return runID, nil
}

func (g *Gateway) handleSessionsList(ctx context.Context, _ dispatch.Caller, p protocol.SessionsListParams) (any, error) {
	entries, err := g.sessions.List(ctx, p.ActiveMinutes, p.Limit)
	if err != nil {
		return nil, protocol.Unavailable("listing sessions: %v", err)
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	return sessionsListResult{Count: len(entries), Sessions: entries}, nil
}

func (g *Gateway) handleSessionsPatch(ctx context.Context, _ dispatch.Caller, p protocol.SessionsPatchParams) (any, error) {
	entry, err := g.sessions.Patch(ctx, p.Key, session.Patch{
		ThinkingLevel: p.ThinkingLevel,
		VerboseLevel:  p.VerboseLevel,
		Label:         p.Label,
	})
	if err != nil {
		return nil, protocol.Unavailable("patching session %s: %v", p.Key, err)
	}
	return sessionsPatchResult{OK: true, Key: entry.Key, Entry: entry}, nil
}

// handleNodeEvent starts agent runs for voice transcripts and agent requests
// sent by bridge nodes.
func (g *Gateway) handleNodeEvent(ctx context.Context, info bridge.NodeInfo, event string, payload json.RawMessage) error {
	var (
		sessionKey, message, thinking string
	)
	switch event {
	case bridge.EventVoiceTranscript:
		var p bridge.VoiceTranscript
		if err := decodeNodePayload(payload, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event, err)
		}
		sessionKey, message = p.SessionKey, p.Text
	case bridge.EventAgentRequest:
		var p bridge.AgentRequest
		if err := decodeNodePayload(payload, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event, err)
		}
		sessionKey, message, thinking = p.SessionKey, p.Message, p.Thinking
	default:
		return fmt.Errorf("unknown node event %q", event)
	}

	runID, err := g.startAgentRun(ctx, sessionKey, message, thinking, g.runTimeout(0), info.NodeID)
	if err != nil {
		return err
	}
	g.logger.Info("node started agent run", "node_id", info.NodeID, "event", event, "run_id", runID)
	return nil
}

func decodeNodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return err
	}
	return protocol.Validate(v)
}

func (g *Gateway) runTimeout(timeoutMs int) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return g.config.Agent.Timeout
}

func attachments(in []protocol.Attachment) []agent.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]agent.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, agent.Attachment{
			Type:     a.Type,
			MimeType: a.MimeType,
			FileName: a.FileName,
			Content:  a.Content,
		})
	}
	return out
}
