// ABOUTME: Assigns per-run sequence numbers and publishes events onto the bus
// ABOUTME: Shared by local runners so overlapping runs on one id stay ordered

package agent

import (
	"context"
	"sync"
	"time"
)

// Emitter stamps events with a monotonically increasing per-run sequence.
type Emitter struct {
	bus  *Bus
	mu   sync.Mutex
	seqs map[string]uint64
	now  func() time.Time
}

// NewEmitter creates an emitter publishing to bus.
func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{
		bus:  bus,
		seqs: make(map[string]uint64),
		now:  time.Now,
	}
}

// Emit publishes one event for runID. Sequence assignment and publication
// happen under one lock so events reach the bus in sequence order.
func (e *Emitter) Emit(ctx context.Context, runID string, stream Stream, data map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.seqs[runID] + 1
	err := e.bus.Publish(ctx, Event{
		RunID:  runID,
		Seq:    seq,
		Stream: stream,
		TS:     e.now().UnixMilli(),
		Data:   data,
	})
	if err != nil {
		return err
	}
	e.seqs[runID] = seq
	return nil
}

// Forget drops the sequence of runID. The next event for it starts at 1.
func (e *Emitter) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seqs, runID)
}
