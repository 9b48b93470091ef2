// ABOUTME: Tests for the agent event bus and sequence-stamping emitter
// ABOUTME: Verifies per-run ordering, job state helpers, and close semantics

package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, bus *Bus, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-bus.Events():
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestEvent_JobState(t *testing.T) {
	done := Event{Stream: StreamJob, Data: map[string]any{"state": JobDone}}
	assert.Equal(t, JobDone, done.JobState())
	assert.True(t, done.IsTerminal())

	failed := Event{Stream: StreamJob, Data: map[string]any{"state": JobError}}
	assert.True(t, failed.IsTerminal())

	aborted := Event{Stream: StreamJob, Data: map[string]any{"state": JobAborted}}
	assert.True(t, aborted.IsTerminal())

	started := Event{Stream: StreamJob, Data: map[string]any{"state": JobStarted}}
	assert.False(t, started.IsTerminal())

	text := Event{Stream: StreamAssistant, Data: map[string]any{"state": JobDone}}
	assert.Equal(t, "", text.JobState())
}

func TestEmitter_AssignsPerRunSequence(t *testing.T) {
	bus := NewBus(16)
	em := NewEmitter(bus)
	ctx := t.Context()

	require.NoError(t, em.Emit(ctx, "run-a", StreamAssistant, map[string]any{"text": "a"}))
	require.NoError(t, em.Emit(ctx, "run-b", StreamAssistant, map[string]any{"text": "b"}))
	require.NoError(t, em.Emit(ctx, "run-a", StreamJob, map[string]any{"state": JobDone}))

	events := drain(t, bus, 3)
	assert.Equal(t, "run-a", events[0].RunID)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "run-b", events[1].RunID)
	assert.Equal(t, uint64(1), events[1].Seq)
	assert.Equal(t, "run-a", events[2].RunID)
	assert.Equal(t, uint64(2), events[2].Seq)
	assert.NotZero(t, events[2].TS)
}

func TestEmitter_ConcurrentEmitsStayOrdered(t *testing.T) {
	bus := NewBus(1000)
	em := NewEmitter(bus)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = em.Emit(context.Background(), "shared", StreamTool, nil)
			}
		}()
	}
	wg.Wait()

	events := drain(t, bus, 500)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	bus.Close()

	err := bus.Publish(t.Context(), Event{RunID: "x"})
	assert.ErrorIs(t, err, ErrBusClosed)

	select {
	case <-bus.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestBus_CloseUnblocksFullPublish(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Publish(t.Context(), Event{RunID: "fill"}))

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Publish(context.Background(), Event{RunID: "blocked"}) }()

	time.Sleep(10 * time.Millisecond)
	bus.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after close")
	}
}

func TestEmitter_FailedPublishDoesNotConsumeSeq(t *testing.T) {
	bus := NewBus(1)
	em := NewEmitter(bus)

	require.NoError(t, em.Emit(t.Context(), "r", StreamTool, nil))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, em.Emit(ctx, "r", StreamTool, nil))

	<-bus.Events()
	require.NoError(t, em.Emit(t.Context(), "r", StreamTool, nil))
	ev := <-bus.Events()
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestEmitter_ForgetRestartsSequence(t *testing.T) {
	bus := NewBus(4)
	em := NewEmitter(bus)

	require.NoError(t, em.Emit(t.Context(), "r", StreamTool, nil))
	require.NoError(t, em.Emit(t.Context(), "r", StreamTool, nil))
	em.Forget("r")
	require.NoError(t, em.Emit(t.Context(), "r", StreamTool, nil))

	events := drain(t, bus, 3)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(1), events[2].Seq)

	em.mu.Lock()
	defer em.mu.Unlock()
	assert.Len(t, em.seqs, 1)
}
