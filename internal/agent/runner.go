// ABOUTME: Runner interface through which the gateway starts agent runs
// ABOUTME: Run parameters carry the gateway-assigned internal run id

package agent

import (
	"context"
	"time"
)

// RunParams describes one agent turn.
type RunParams struct {
	RunID       string
	SessionKey  string
	SessionID   string
	Message     string
	Thinking    string
	Attachments []Attachment
	Timeout     time.Duration
	Principal   string
}

// Attachment is an inline file handed to the agent.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Content  string `json:"content"`
}

// Runner starts agent runs. StartRun returns once the run is accepted; its
// progress arrives on the bus under the returned run id, which is always
// params.RunID. Cancelling ctx stops the run.
//
// Runs sharing a run id execute one at a time in StartRun order, and every
// accepted run ends with exactly one terminal job event (done, error, or
// aborted), including a run cancelled before it started. The chat
// multiplexer relies on both to correlate events with requests.
type Runner interface {
	StartRun(ctx context.Context, params RunParams) (string, error)
	Close() error
}
