// ABOUTME: Agent execution events and the single-consumer bus that carries them
// ABOUTME: Events are keyed by internal run id with a per-run sequence number

package agent

import (
	"context"
	"errors"
	"sync"
)

// Stream classifies an agent event.
type Stream string

const (
	StreamAssistant Stream = "assistant"
	StreamTool      Stream = "tool"
	StreamJob       Stream = "job"
	StreamError     Stream = "error"
)

// Job states carried in data.state of job events.
const (
	JobStarted = "started"
	JobDone    = "done"
	JobError   = "error"
	JobAborted = "aborted"
)

var (
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("agent bus closed")

	// ErrRunAborted is the cancellation cause used when a client aborts a run.
	ErrRunAborted = errors.New("run aborted")
)

// Event is one unit of agent execution progress.
type Event struct {
	RunID  string         `json:"runId"`
	Seq    uint64         `json:"seq"`
	Stream Stream         `json:"stream"`
	TS     int64          `json:"ts"`
	Data   map[string]any `json:"data,omitempty"`
}

// JobState returns data.state for job events and "" otherwise.
func (e Event) JobState() string {
	if e.Stream != StreamJob {
		return ""
	}
	s, _ := e.Data["state"].(string)
	return s
}

// IsTerminal reports whether the event ends a run. Every run accepted by a
// Runner ends with exactly one terminal job event.
func (e Event) IsTerminal() bool {
	s := e.JobState()
	return s == JobDone || s == JobError || s == JobAborted
}

// Bus is a buffered channel of events with a single consumer.
type Bus struct {
	ch       chan Event
	done     chan struct{}
	closeOne sync.Once
}

// NewBus creates a bus buffering up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Publish enqueues e, blocking while the buffer is full.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.ch <- e:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side of the bus. It is never closed; consumers
// should also watch Done.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops accepting events. It is safe to call multiple times.
func (b *Bus) Close() {
	b.closeOne.Do(func() { close(b.done) })
}
