// ABOUTME: Single-goroutine multiplexer from agent events to session chat events
// ABOUTME: Handles FIFO run correlation, sequence gap reporting, delta throttling, and aborts

package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/protocol"
)

// DefaultDeltaInterval is the minimum spacing of delta events per run.
const DefaultDeltaInterval = 150 * time.Millisecond

var (
	// ErrStopped is returned by commands issued after the loop has exited.
	ErrStopped = errors.New("chat multiplexer stopped")

	errShutdown = errors.New("gateway shutting down")
)

// Publisher delivers events to connections. Implementations must only
// enqueue; they are called from the multiplexer loop.
type Publisher interface {
	Broadcast(event string, payload any, opts protocol.BroadcastOptions)
	SendToSession(sessionKey, event string, payload any)
}

// SessionResolver maps an internal run id to its session key without I/O.
type SessionResolver interface {
	KeyForRun(runID string) (string, bool)
}

// Terminal describes a run that reached a terminal state.
type Terminal struct {
	RunID         string
	InternalRunID string
	SessionKey    string
	State         string
	Text          string
	ErrorMessage  string
}

// Config tunes a Mux.
type Config struct {
	DeltaInterval time.Duration
	// OnTerminal is called on the loop goroutine and must not block.
	OnTerminal func(Terminal)
	Metrics    *metrics.Metrics
}

// Stats is a point-in-time view of multiplexer state.
type Stats struct {
	PendingRuns   int `json:"pendingRuns"`
	StreamingRuns int `json:"streamingRuns"`
	TrackedRunIDs int `json:"trackedRunIds"`
}

type pendingRun struct {
	internalRunID string
	sessionKey    string
	clientRunID   string
	cancel        context.CancelCauseFunc
	// tracked runs were started without a chat request and report under
	// the internal run id.
	tracked bool
	// aborted runs stay queued until the runner reports their terminal job
	// event; their remaining events are discarded.
	aborted bool
}

// Mux is the agent-run multiplexer.
type Mux struct {
	events   <-chan agent.Event
	pub      Publisher
	sessions SessionResolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	cmds    chan func()
	stopped chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	// Owned by the loop goroutine.
	pending map[string][]*pendingRun
	runs    map[string]*pendingRun
	lastSeq map[string]uint64
	buffers map[string]*buffer
}

// New creates a multiplexer reading from events.
func New(events <-chan agent.Event, pub Publisher, sessions SessionResolver, cfg Config, logger *slog.Logger) *Mux {
	if cfg.DeltaInterval <= 0 {
		cfg.DeltaInterval = DefaultDeltaInterval
	}
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Mux{
		events:     events,
		pub:        pub,
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger.With("component", "chat-mux"),
		now:        time.Now,
		cmds:       make(chan func(), 64),
		stopped:    make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		pending:    make(map[string][]*pendingRun),
		runs:       make(map[string]*pendingRun),
		lastSeq:    make(map[string]uint64),
		buffers:    make(map[string]*buffer),
	}
}

// Run processes events and commands until ctx is cancelled. Every run
// context handed out by Register is cancelled when Run returns.
func (m *Mux) Run(ctx context.Context) {
	defer close(m.stopped)
	defer m.shutdown()

	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case fn := <-m.cmds:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mux) shutdown() {
	for _, buf := range m.buffers {
		buf.stop()
	}
	m.buffers = make(map[string]*buffer)
	m.baseCancel(errShutdown)
}

// call runs fn on the loop goroutine and waits for it to finish.
func (m *Mux) call(fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	}
}

// enqueue schedules fn on the loop without waiting. It is used by timers.
func (m *Mux) enqueue(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.stopped:
	}
}

// Register records a chat run about to be started for internalRunID and
// returns the context the run must execute under. Registration must happen
// before the run starts so no event can precede it.
func (m *Mux) Register(internalRunID, sessionKey, clientRunID string) (context.Context, error) {
	var (
		runCtx context.Context
		err    error
	)
	callErr := m.call(func() {
		if _, exists := m.runs[clientRunID]; exists {
			err = protocol.InvalidRequest("run %s is already in progress", clientRunID)
			return
		}
		ctx, cancel := context.WithCancelCause(m.baseCtx)
		run := &pendingRun{
			internalRunID: internalRunID,
			sessionKey:    sessionKey,
			clientRunID:   clientRunID,
			cancel:        cancel,
		}
		m.pending[internalRunID] = append(m.pending[internalRunID], run)
		m.runs[clientRunID] = run
		runCtx = ctx
	})
	if callErr != nil {
		return nil, callErr
	}
	return runCtx, err
}

// Track records a run started without a chat request so that it keeps its
// place in the FIFO of internalRunID. Its events are reported under the
// internal run id. The returned func withdraws the run when it could not be
// started.
func (m *Mux) Track(internalRunID, sessionKey string) (context.Context, func(), error) {
	var (
		run    *pendingRun
		runCtx context.Context
	)
	err := m.call(func() {
		ctx, cancel := context.WithCancelCause(m.baseCtx)
		run = &pendingRun{
			internalRunID: internalRunID,
			sessionKey:    sessionKey,
			clientRunID:   internalRunID,
			cancel:        cancel,
			tracked:       true,
		}
		m.pending[internalRunID] = append(m.pending[internalRunID], run)
		runCtx = ctx
	})
	if err != nil {
		return nil, nil, err
	}
	withdraw := func() {
		_ = m.call(func() { m.release(run, nil) })
	}
	return runCtx, withdraw, nil
}

// Abort cancels the chat run clientRunID of sessionKey. It reports false when
// no such run is pending. A run belonging to another session is rejected.
func (m *Mux) Abort(sessionKey, clientRunID string) (bool, error) {
	var (
		aborted bool
		err     error
	)
	callErr := m.call(func() {
		run, ok := m.runs[clientRunID]
		if !ok {
			return
		}
		if run.sessionKey != sessionKey {
			err = protocol.InvalidRequest("run %s does not belong to session %s", clientRunID, sessionKey)
			return
		}

		// The run keeps its queue slot until the runner confirms the end.
		run.aborted = true
		delete(m.runs, clientRunID)
		run.cancel(agent.ErrRunAborted)
		text := m.dropBuffer(clientRunID)

		m.logger.Info("chat run aborted", "run_id", clientRunID, "session_key", sessionKey)
		m.emitChat(protocol.ChatEvent{
			RunID:      clientRunID,
			SessionKey: sessionKey,
			Seq:        m.lastSeq[run.internalRunID],
			State:      protocol.ChatAborted,
		}, false)
		m.finish(Terminal{
			RunID:         clientRunID,
			InternalRunID: run.internalRunID,
			SessionKey:    sessionKey,
			State:         protocol.ChatAborted,
			Text:          text,
		})
		aborted = true
	})
	if callErr != nil {
		return false, callErr
	}
	return aborted, err
}

// Fail resolves a chat run of internalRunID whose start failed. The runner
// never accepted it, so no terminal job event will follow.
func (m *Mux) Fail(internalRunID, clientRunID string, cause error) error {
	return m.call(func() {
		var run *pendingRun
		for _, r := range m.pending[internalRunID] {
			if r.clientRunID == clientRunID && !r.tracked {
				run = r
				break
			}
		}
		if run == nil {
			return
		}
		m.release(run, nil)
		if run.aborted {
			return
		}
		m.dropBuffer(clientRunID)

		msg := cause.Error()
		m.emitChat(protocol.ChatEvent{
			RunID:        clientRunID,
			SessionKey:   run.sessionKey,
			Seq:          m.lastSeq[run.internalRunID],
			State:        protocol.ChatError,
			ErrorMessage: msg,
		}, false)
		m.finish(Terminal{
			RunID:         clientRunID,
			InternalRunID: run.internalRunID,
			SessionKey:    run.sessionKey,
			State:         protocol.ChatError,
			ErrorMessage:  msg,
		})
	})
}

// Stats reports the size of the multiplexer's state.
func (m *Mux) Stats() (Stats, error) {
	var s Stats
	err := m.call(func() {
		s = Stats{
			PendingRuns:   len(m.runs),
			StreamingRuns: len(m.buffers),
			TrackedRunIDs: len(m.lastSeq),
		}
	})
	return s, err
}

// release removes run from the pending queue and abort registry and cancels
// its context.
func (m *Mux) release(run *pendingRun, cause error) {
	queue := m.pending[run.internalRunID]
	for i, r := range queue {
		if r == run {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(m.pending, run.internalRunID)
	} else {
		m.pending[run.internalRunID] = queue
	}
	if m.runs[run.clientRunID] == run {
		delete(m.runs, run.clientRunID)
	}
	run.cancel(cause)
}

func (m *Mux) handleEvent(ev agent.Event) {
	if head := m.head(ev.RunID); head != nil && head.aborted {
		m.lastSeq[ev.RunID] = ev.Seq
		if ev.IsTerminal() {
			m.release(head, nil)
			m.prune(ev.RunID)
		}
		return
	}

	// A started job at seq 1, or on an id with no history, opens a new
	// sequence for the run id.
	last, tracked := m.lastSeq[ev.RunID]
	opens := ev.JobState() == agent.JobStarted && (ev.Seq == 1 || !tracked)
	if expected := last + 1; !opens && ev.Seq != expected {
		m.reportGap(ev, expected)
	}
	m.lastSeq[ev.RunID] = ev.Seq

	clientRunID, sessionKey := m.target(ev.RunID)

	m.emitAgent(protocol.AgentEvent{
		RunID:      clientRunID,
		SessionKey: sessionKey,
		Seq:        ev.Seq,
		Stream:     string(ev.Stream),
		TS:         ev.TS,
		Data:       ev.Data,
	})

	switch ev.Stream {
	case agent.StreamAssistant:
		m.appendText(clientRunID, sessionKey, ev)
	case agent.StreamJob:
		if ev.IsTerminal() {
			m.terminate(ev)
		}
	}
}

// head returns the oldest pending run of internalRunID, if any.
func (m *Mux) head(internalRunID string) *pendingRun {
	if queue := m.pending[internalRunID]; len(queue) > 0 {
		return queue[0]
	}
	return nil
}

// target returns the client run id and session key an event belongs to: the
// oldest pending run for its internal run id, or the internal run id itself
// when nothing registered one.
func (m *Mux) target(internalRunID string) (string, string) {
	if run := m.head(internalRunID); run != nil {
		return run.clientRunID, run.sessionKey
	}
	key, _ := m.sessions.KeyForRun(internalRunID)
	return internalRunID, key
}

// prune forgets the sequence of an internal run id once nothing is queued
// on it.
func (m *Mux) prune(internalRunID string) {
	if len(m.pending[internalRunID]) == 0 {
		delete(m.lastSeq, internalRunID)
	}
}

func (m *Mux) reportGap(ev agent.Event, expected uint64) {
	m.cfg.Metrics.SeqGap()
	m.logger.Warn("agent event sequence gap", "run_id", ev.RunID, "expected", expected, "received", ev.Seq)

	clientRunID, sessionKey := m.target(ev.RunID)
	m.emitAgent(protocol.AgentEvent{
		RunID:      clientRunID,
		SessionKey: sessionKey,
		Seq:        ev.Seq,
		Stream:     string(agent.StreamError),
		TS:         m.now().UnixMilli(),
		Data: map[string]any{
			"reason":   "seq gap",
			"expected": expected,
			"received": ev.Seq,
		},
	})
}

func (m *Mux) appendText(clientRunID, sessionKey string, ev agent.Event) {
	buf := m.buffers[clientRunID]
	if buf == nil {
		buf = &buffer{clientRunID: clientRunID, sessionKey: sessionKey}
		m.buffers[clientRunID] = buf
	}

	if text, ok := ev.Data["text"].(string); ok {
		buf.text = text
	} else if delta, ok := ev.Data["delta"].(string); ok {
		buf.text += delta
	} else {
		return
	}
	buf.seq = ev.Seq
	buf.dirty = true

	if buf.timer == nil {
		buf.timer = time.AfterFunc(m.cfg.DeltaInterval, func() {
			m.enqueue(func() { m.flush(buf) })
		})
	}
}

// flush emits the buffered text as a delta if buf is still live.
func (m *Mux) flush(buf *buffer) {
	if m.buffers[buf.clientRunID] != buf {
		return
	}
	buf.timer = nil
	m.emitDelta(buf)
}

func (m *Mux) emitDelta(buf *buffer) {
	if !buf.dirty {
		return
	}
	buf.dirty = false
	m.emitChat(protocol.ChatEvent{
		RunID:      buf.clientRunID,
		SessionKey: buf.sessionKey,
		Seq:        buf.seq,
		State:      protocol.ChatDelta,
		Message:    protocol.TextMessage("assistant", buf.text, m.now().UnixMilli()),
	}, true)
}

// dropBuffer discards the streaming state of clientRunID and returns its text.
func (m *Mux) dropBuffer(clientRunID string) string {
	buf, ok := m.buffers[clientRunID]
	if !ok {
		return ""
	}
	buf.stop()
	delete(m.buffers, clientRunID)
	return buf.text
}

func (m *Mux) terminate(ev agent.Event) {
	run := m.head(ev.RunID)
	clientRunID, sessionKey := m.target(ev.RunID)
	if run != nil {
		m.release(run, nil)
	}
	defer m.prune(ev.RunID)

	// Unsent text goes out before the terminal event.
	var text string
	if buf, ok := m.buffers[clientRunID]; ok {
		buf.stop()
		m.emitDelta(buf)
		text = buf.text
		delete(m.buffers, clientRunID)
	}

	t := Terminal{
		RunID:         clientRunID,
		InternalRunID: ev.RunID,
		SessionKey:    sessionKey,
		Text:          text,
	}
	chatEv := protocol.ChatEvent{
		RunID:      clientRunID,
		SessionKey: sessionKey,
		Seq:        ev.Seq,
	}

	switch ev.JobState() {
	case agent.JobDone:
		t.State = protocol.ChatFinal
		chatEv.State = protocol.ChatFinal
		if text != "" {
			chatEv.Message = protocol.TextMessage("assistant", text, m.now().UnixMilli())
		}
	case agent.JobAborted:
		t.State = protocol.ChatAborted
		chatEv.State = protocol.ChatAborted
	default:
		msg, _ := ev.Data["error"].(string)
		if msg == "" {
			msg = "agent run failed"
		}
		t.State = protocol.ChatError
		t.ErrorMessage = msg
		chatEv.State = protocol.ChatError
		chatEv.ErrorMessage = msg
	}

	m.emitChat(chatEv, false)
	m.finish(t)
}

func (m *Mux) finish(t Terminal) {
	m.cfg.Metrics.ChatRunFinished(t.State)
	if m.cfg.OnTerminal != nil {
		m.cfg.OnTerminal(t)
	}
}

func (m *Mux) emitAgent(p protocol.AgentEvent) {
	droppable := p.Stream != string(agent.StreamError)
	m.pub.Broadcast(protocol.EventAgent, p, protocol.BroadcastOptions{DropIfSlow: droppable})
	if p.SessionKey != "" {
		m.pub.SendToSession(p.SessionKey, protocol.EventAgent, p)
	}
}

func (m *Mux) emitChat(p protocol.ChatEvent, droppable bool) {
	m.pub.Broadcast(protocol.EventChat, p, protocol.BroadcastOptions{DropIfSlow: droppable})
	if p.SessionKey != "" {
		m.pub.SendToSession(p.SessionKey, protocol.EventChat, p)
	}
}
