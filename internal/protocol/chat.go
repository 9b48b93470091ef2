// ABOUTME: Payload shapes of chat and agent events and transcript messages
// ABOUTME: Shared by the run multiplexer, history reads, and bridge delivery

package protocol

// Chat event states.
const (
	ChatDelta   = "delta"
	ChatFinal   = "final"
	ChatError   = "error"
	ChatAborted = "aborted"
)

// ContentBlock is one part of a transcript message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessage is a transcript message as shown to clients.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp"`
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string, timestamp int64) *ChatMessage {
	return &ChatMessage{
		Role:      role,
		Content:   []ContentBlock{{Type: "text", Text: text}},
		Timestamp: timestamp,
	}
}

// ChatEvent is the payload of a chat event.
type ChatEvent struct {
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey"`
	Seq          uint64       `json:"seq"`
	State        string       `json:"state"`
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// AgentEvent is the payload of an agent event.
type AgentEvent struct {
	RunID      string         `json:"runId"`
	SessionKey string         `json:"sessionKey,omitempty"`
	Seq        uint64         `json:"seq"`
	Stream     string         `json:"stream"`
	TS         int64          `json:"ts"`
	Data       map[string]any `json:"data,omitempty"`
}

// BroadcastOptions controls delivery of a broadcast event.
type BroadcastOptions struct {
	DropIfSlow   bool
	StateVersion *StateVersion
}
