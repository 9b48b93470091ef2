// ABOUTME: WebSocket endpoint: connect handshake, read pump, and disconnect cleanup
// ABOUTME: Rejected handshakes get an error response followed by a policy close

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/protocol"
)

// handshakeError pairs the response sent to a rejected client with the close
// status that follows it.
type handshakeError struct {
	err    *protocol.Error
	code   websocket.StatusCode
	reason string
	metric string
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Gateway.AllowedOrigins,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(g.config.Gateway.MaxPayloadBytes)

	g.wg.Add(1)
	defer g.wg.Done()

	ctx := r.Context()
	client, herr := g.handshake(ctx, conn, r.RemoteAddr)
	if herr != nil {
		g.metrics.HandshakeFailed(herr.metric)
		g.logger.Info("websocket handshake rejected",
			"remote_addr", r.RemoteAddr,
			"reason", herr.reason,
		)
		_ = conn.Close(herr.code, herr.reason)
		return
	}

	go client.writePump()
	defer g.disconnect(client)

	g.readPump(ctx, client)
}

// handshake reads the first frame and either returns a registered client or
// the rejection to send. The hello-ok response is already queued on success.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, remoteAddr string) (*Client, *handshakeError) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(g.config.Gateway.HandshakeTimeout, func() {
		timedOut.Store(true)
		_ = conn.Close(websocket.StatusPolicyViolation, protocol.CloseHandshakeTimeout)
	})

	_, data, err := conn.Read(ctx)
	if !timer.Stop() || timedOut.Load() {
		return nil, &handshakeError{
			code:   websocket.StatusPolicyViolation,
			reason: protocol.CloseHandshakeTimeout,
			metric: "timeout",
		}
	}
	if err != nil {
		return nil, &handshakeError{
			code:   websocket.StatusPolicyViolation,
			reason: protocol.CloseInvalidHandshake,
			metric: "read",
		}
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest || req.Method != protocol.MethodConnect {
		return nil, g.reject(ctx, conn, req.ID, &handshakeError{
			err:    protocol.InvalidRequest("first request must be connect"),
			code:   websocket.StatusPolicyViolation,
			reason: protocol.CloseInvalidHandshake,
			metric: "invalid",
		})
	}

	params, err := protocol.DecodeParams[protocol.ConnectParams](protocol.MethodConnect, req.Params)
	if err != nil {
		return nil, g.reject(ctx, conn, req.ID, &handshakeError{
			err:    protocol.AsError(err),
			code:   websocket.StatusPolicyViolation,
			reason: protocol.CloseInvalidHandshake,
			metric: "invalid",
		})
	}

	if !params.Supports(protocol.Version) {
		return nil, g.reject(ctx, conn, req.ID, &handshakeError{
			err:    protocol.InvalidRequest("protocol mismatch: server speaks %d", protocol.Version),
			code:   websocket.StatusProtocolError,
			reason: protocol.CloseProtocolMismatch,
			metric: "protocol",
		})
	}

	var creds auth.Credentials
	if params.Auth != nil {
		creds = auth.Credentials{Token: params.Auth.Token, Password: params.Auth.Password}
	}
	result, err := g.auth.Authenticate(ctx, creds, remoteAddr)
	if err != nil {
		return nil, g.reject(ctx, conn, req.ID, &handshakeError{
			err:    protocol.Forbidden(protocol.CloseUnauthorized),
			code:   websocket.StatusPolicyViolation,
			reason: protocol.CloseUnauthorized,
			metric: "unauthorized",
		})
	}

	client := newClient(uuid.NewString(), conn, params.Client, g.config.Gateway.MaxBufferedBytes)
	client.remoteAddr = remoteAddr
	client.auth = result

	if presence.Trackable(params.Client.Mode) {
		host, _, _ := net.SplitHostPort(remoteAddr)
		client.presenceKey = presence.KeyFor(params.Client.InstanceID, "", client.id)
		g.presence.Upsert(presence.Entry{
			Key:        client.presenceKey,
			IP:         host,
			Version:    params.Client.Version,
			Platform:   params.Client.Platform,
			Mode:       params.Client.Mode,
			Reason:     presence.ReasonConnect,
			InstanceID: params.Client.InstanceID,
		})
	}

	// Queue hello-ok before the client becomes visible to broadcasts so it
	// is always the first frame written.
	g.broadcaster.Send(client, protocol.NewResponse(req.ID, g.helloOK(client)))
	g.broadcaster.Add(client)

	g.logger.Info("client connected",
		"conn_id", client.id,
		"client", params.Client.Name,
		"mode", params.Client.Mode,
		"version", params.Client.Version,
		"auth_method", result.Method,
	)

	if client.presenceKey != "" {
		g.broadcastPresence()
	}
	return client, nil
}

// reject writes the error response directly since no writer is running yet.
func (g *Gateway) reject(ctx context.Context, conn *websocket.Conn, id string, herr *handshakeError) *handshakeError {
	frame, err := json.Marshal(protocol.NewErrorResponse(id, herr.err))
	if err != nil {
		return herr
	}
	wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, frame)
	return herr
}

func (g *Gateway) helloOK(c *Client) protocol.HelloOK {
	list, presenceVersion := g.presence.Snapshot()
	health, healthVersion := g.health.Snapshot()
	return protocol.HelloOK{
		Type:     protocol.FrameHelloOK,
		Protocol: protocol.Version,
		Server: protocol.ServerInfo{
			Version: g.version,
			Host:    g.host,
			ConnID:  c.id,
		},
		Features: protocol.Features{
			Methods: g.dispatcher.Methods(),
			Events:  protocol.Events,
		},
		Snapshot: protocol.Snapshot{
			Presence: list,
			Health:   health,
			StateVersion: protocol.StateVersion{
				Presence: presenceVersion,
				Health:   healthVersion,
			},
		},
		Policy: protocol.Policy{
			MaxPayload:       g.config.Gateway.MaxPayloadBytes,
			MaxBufferedBytes: g.config.Gateway.MaxBufferedBytes,
			TickIntervalMs:   g.config.Gateway.TickInterval.Milliseconds(),
		},
	}
}

// readPump dispatches requests until the connection fails. A close started
// by the writer ends the pending read once the peer answers the close frame.
func (g *Gateway) readPump(ctx context.Context, c *Client) {
	caller := dispatch.Caller{
		ConnID:     c.id,
		Mode:       c.info.Mode,
		RemoteAddr: c.remoteAddr,
		Auth:       c.auth,
	}
	reqCtx := auth.WithResult(context.WithoutCancel(ctx), c.auth)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read ended", "conn_id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest || req.ID == "" {
			g.broadcaster.Send(c, protocol.NewErrorResponse(req.ID, protocol.InvalidRequest("malformed request frame")))
			continue
		}

		go g.serveRequest(reqCtx, c, caller, req)
	}
}

func (g *Gateway) serveRequest(ctx context.Context, c *Client, caller dispatch.Caller, req protocol.RequestFrame) {
	resp := g.dispatcher.Dispatch(ctx, caller, req)
	g.broadcaster.Send(c, resp)
}

// disconnect unregisters the client and waits for its writer to finish.
func (g *Gateway) disconnect(c *Client) {
	removed := g.broadcaster.Remove(c.id)
	c.Close(websocket.StatusNormalClosure, "", false)
	<-c.written

	if !removed {
		return
	}
	g.logger.Info("client disconnected", "conn_id", c.id, "mode", c.info.Mode)
	if c.presenceKey != "" {
		if _, ok := g.presence.MarkReason(c.presenceKey, presence.ReasonDisconnect); ok {
			g.broadcastPresence()
		}
	}
}

// broadcastPresence sends the full presence list to every client.
func (g *Gateway) broadcastPresence() {
	list, version := g.presence.Snapshot()
	g.broadcaster.Broadcast(protocol.EventPresence, presencePayload{Presence: list}, protocol.BroadcastOptions{
		DropIfSlow: true,
		StateVersion: &protocol.StateVersion{
			Presence: version,
			Health:   g.health.Version(),
		},
	})
}

type presencePayload struct {
	Presence []presence.Entry `json:"presence"`
}
