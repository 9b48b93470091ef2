// ABOUTME: Session persistence interface and the records it stores
// ABOUTME: Entries hold per-session metadata, messages hold the transcript

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session key has no stored entry.
var ErrNotFound = errors.New("session not found")

// Entry is the stored metadata of one session.
type Entry struct {
	Key           string    `json:"key"`
	SessionID     string    `json:"sessionId"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ThinkingLevel string    `json:"thinkingLevel,omitempty"`
	VerboseLevel  string    `json:"verboseLevel,omitempty"`
	Label         string    `json:"label,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript line.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Text      string
	RunID     string
	CreatedAt time.Time
}

// Store persists session entries and transcripts.
type Store interface {
	Load(ctx context.Context, key string) (Entry, error)
	Save(ctx context.Context, e Entry) error
	List(ctx context.Context, activeSince time.Time, limit int) ([]Entry, error)
	AppendMessage(ctx context.Context, m Message) error
	// Messages returns the newest limit messages of a session, oldest first.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Close() error
}
