// ABOUTME: Wire frame types for the gateway control protocol
// ABOUTME: Requests, responses, events, handshake payloads, and close reasons

package protocol

import (
	"encoding/json"
)

// Version is the protocol version spoken by this gateway.
const Version = 1

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
	FrameHelloOK  = "hello-ok"
)

// Event names emitted by the gateway.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventPresence = "presence"
	EventTick     = "tick"
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Events lists every event name advertised in the hello-ok manifest.
var Events = []string{
	EventAgent,
	EventChat,
	EventPresence,
	EventTick,
	EventHealth,
	EventShutdown,
}

// Close reasons sent with WebSocket close frames.
const (
	CloseInvalidHandshake = "invalid handshake"
	CloseProtocolMismatch = "protocol mismatch"
	CloseUnauthorized     = "unauthorized"
	CloseSlowConsumer     = "slow consumer"
	CloseHandshakeTimeout = "handshake timeout"
	CloseServiceRestart   = "service restart"
)

// RequestFrame is an inbound request. Params stays raw until the dispatcher
// knows which method shape to decode it into.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// StateVersion stamps events with the versions of the presence and health
// snapshots they reflect.
type StateVersion struct {
	Presence uint64 `json:"presence"`
	Health   uint64 `json:"health"`
}

// EventFrame is a server push. Seq is the global broadcast sequence and is
// zero for frames delivered directly to a bridge subscriber.
type EventFrame struct {
	Type         string        `json:"type"`
	Event        string        `json:"event"`
	Payload      any           `json:"payload,omitempty"`
	Seq          uint64        `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame from any error.
func NewErrorResponse(id string, err error) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: AsError(err).Shape()}
}

// ClientInfo describes the software on the other end of a connection.
type ClientInfo struct {
	Name       string `json:"name" validate:"required"`
	Mode       string `json:"mode" validate:"required,oneof=webchat cli ui node backend probe"`
	Version    string `json:"version" validate:"required"`
	Platform   string `json:"platform,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// Client modes with special handling.
const (
	ModeCLI  = "cli"
	ModeNode = "node"
)

// ConnectAuth carries optional shared-secret credentials.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectParams is the payload of the mandatory first request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol" validate:"required,min=1"`
	MaxProtocol int          `json:"maxProtocol" validate:"required,gtefield=MinProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// Supports reports whether the requested range straddles Version.
func (p ConnectParams) Supports(version int) bool {
	return p.MinProtocol <= version && version <= p.MaxProtocol
}

// ServerInfo identifies this gateway instance to a client.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host"`
	ConnID  string `json:"connId"`
}

// Features is the capability manifest.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy tells clients about server-side limits.
type Policy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
}

// Snapshot is the point-in-time state handed to a freshly connected client.
type Snapshot struct {
	Presence     any          `json:"presence"`
	Health       any          `json:"health"`
	StateVersion StateVersion `json:"stateVersion"`
}

// HelloOK is the successful handshake response payload.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Policy   Policy     `json:"policy"`
}
