// ABOUTME: Line frame shapes exchanged with bridge nodes
// ABOUTME: One inbound struct covers every frame type; outbound frames are typed

package bridge

import (
	"encoding/json"

	"github.com/2389/switchboard/internal/protocol"
)

// Frame type discriminators specific to the bridge transport.
const (
	frameHello   = "hello"
	frameHelloOK = "hello-ok"
	frameError   = "error"
	framePing    = "ping"
	framePong    = "pong"
)

// Events a node may send.
const (
	EventVoiceTranscript = "voice.transcript"
	EventAgentRequest    = "agent.request"
)

// inbound is any line a node may send.
type inbound struct {
	Type string `json:"type"`

	// hello
	NodeID      string `json:"nodeId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`

	// req, ping
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// event
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloOK struct {
	Type       string `json:"type"`
	ServerName string `json:"serverName"`
}

type errorFrame struct {
	Type    string             `json:"type"`
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

type pong struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// VoiceTranscript is the payload of a voice.transcript event.
type VoiceTranscript struct {
	Text       string `json:"text" validate:"required"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// AgentRequest is the payload of an agent.request event.
type AgentRequest struct {
	Message    string `json:"message" validate:"required"`
	SessionKey string `json:"sessionKey,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
