// ABOUTME: Runner that executes a local agent command per run
// ABOUTME: Streams stdout lines as cumulative assistant text and reports job lifecycle

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrRunnerClosed is returned by StartRun after Close.
var ErrRunnerClosed = errors.New("runner closed")

// ExecConfig configures the local command runner. Args may contain the
// placeholders {{message}}, {{sessionKey}}, {{sessionId}}, and {{runId}}.
// The message is also written to the command's stdin.
type ExecConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// ExecRunner runs one process per agent turn. Runs sharing a run id form a
// lane: they execute one at a time in StartRun order, so their events never
// interleave on the bus.
type ExecRunner struct {
	cfg     ExecConfig
	emitter *Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	lanes  map[string][]execJob
	wg     sync.WaitGroup
}

type execJob struct {
	ctx context.Context
	p   RunParams
}

// NewExecRunner creates a runner that reports through emitter.
func NewExecRunner(cfg ExecConfig, emitter *Emitter, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("component", "exec-runner"),
		lanes:   make(map[string][]execJob),
	}
}

// StartRun queues a run on the lane of p.RunID and returns immediately. The
// process is killed when ctx is cancelled or the run timeout elapses; a run
// cancelled while still queued never starts. Either way the run reports
// exactly one terminal job event.
func (r *ExecRunner) StartRun(ctx context.Context, p RunParams) (string, error) {
	if p.RunID == "" {
		return "", errors.New("run id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRunnerClosed
	}
	r.wg.Add(1)
	queue := r.lanes[p.RunID]
	r.lanes[p.RunID] = append(queue, execJob{ctx: ctx, p: p})
	if len(queue) == 0 {
		go r.runLane(p.RunID)
	}
	return p.RunID, nil
}

// runLane executes the queued runs of runID in order and exits once the lane
// is empty.
func (r *ExecRunner) runLane(runID string) {
	for {
		r.mu.Lock()
		job := r.lanes[runID][0]
		r.mu.Unlock()

		r.execute(job.ctx, job.p)
		r.wg.Done()

		r.mu.Lock()
		queue := r.lanes[runID][1:]
		if len(queue) == 0 {
			delete(r.lanes, runID)
			r.emitter.Forget(runID)
			r.mu.Unlock()
			return
		}
		r.lanes[runID] = queue
		r.mu.Unlock()
	}
}

func (r *ExecRunner) execute(parent context.Context, p RunParams) {
	emitCtx := context.WithoutCancel(parent)
	emit := func(stream Stream, data map[string]any) {
		if err := r.emitter.Emit(emitCtx, p.RunID, stream, data); err != nil {
			r.logger.Warn("dropping agent event", "run_id", p.RunID, "stream", stream, "error", err)
		}
	}

	if parent.Err() != nil {
		emit(StreamJob, cancelledState(parent))
		r.logger.Debug("agent run cancelled before start", "run_id", p.RunID)
		return
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, timeout)
	} else {
		runCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, expandArgs(r.cfg.Args, p)...)
	cmd.Stdin = strings.NewReader(p.Message)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"SWITCHBOARD_RUN_ID="+p.RunID,
		"SWITCHBOARD_SESSION_KEY="+p.SessionKey,
		"SWITCHBOARD_SESSION_ID="+p.SessionID,
		"SWITCHBOARD_THINKING="+p.Thinking,
	)
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		emit(StreamJob, map[string]any{"state": JobError, "error": fmt.Sprintf("starting agent command: %v", err)})
		r.logger.Warn("agent command failed to start", "run_id", p.RunID, "error", err)
		return
	}

	r.logger.Debug("agent run started", "run_id", p.RunID, "session_key", p.SessionKey, "pid", cmd.Process.Pid)
	emit(StreamJob, map[string]any{"state": JobStarted})

	var text strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream, data, ok := parseStructuredLine(line); ok {
			emit(stream, data)
			continue
		}
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(line)
		emit(StreamAssistant, map[string]any{"text": text.String(), "delta": line})
	}

	waitErr := cmd.Wait()

	switch {
	case parent.Err() != nil:
		emit(StreamJob, cancelledState(parent))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		emit(StreamJob, map[string]any{"state": JobError, "error": "agent run timed out"})
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		emit(StreamJob, map[string]any{"state": JobError, "error": msg})
	default:
		emit(StreamJob, map[string]any{"state": JobDone})
	}
	r.logger.Debug("agent run finished", "run_id", p.RunID, "error", waitErr)
}

// cancelledState is the terminal job data for a run whose context ended.
func cancelledState(ctx context.Context) map[string]any {
	if errors.Is(context.Cause(ctx), ErrRunAborted) {
		return map[string]any{"state": JobAborted}
	}
	return map[string]any{"state": JobError, "error": "agent run cancelled"}
}

// Close refuses new runs and waits for queued and running ones to report
// their end.
func (r *ExecRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// parseStructuredLine recognises stdout lines of the form
// {"stream":"tool","data":{...}} so commands can report tool progress.
func parseStructuredLine(line string) (Stream, map[string]any, bool) {
	if !strings.HasPrefix(line, "{") {
		return "", nil, false
	}
	var msg struct {
		Stream Stream         `json:"stream"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return "", nil, false
	}
	switch msg.Stream {
	case StreamTool, StreamError:
		return msg.Stream, msg.Data, true
	default:
		return "", nil, false
	}
}

func expandArgs(args []string, p RunParams) []string {
	replacer := strings.NewReplacer(
		"{{message}}", p.Message,
		"{{sessionKey}}", p.SessionKey,
		"{{sessionId}}", p.SessionID,
		"{{runId}}", p.RunID,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
