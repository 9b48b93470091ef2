// Package agent is the gateway's view of the agent execution subsystem.
//
// # Events
//
// Runs report progress as Events on a single Bus. Each event carries the
// internal run id, a per-run sequence number, and a stream kind:
//
//   - assistant: text output, cumulative in data.text or appended via data.delta
//   - tool: tool invocation progress
//   - job: lifecycle (started, done, error, aborted)
//   - error: out-of-band failures
//
// The Emitter assigns sequence numbers so that events for one run id are
// published in order.
//
// # Runners
//
// A Runner starts a run under a caller-chosen run id and returns immediately.
// Cancelling the context passed to StartRun with ErrRunAborted as the cause
// asks the run to stop.
//
// Runs that share a run id form a lane and execute one after another. Each
// accepted run reports exactly one terminal job event. A new run on an idle
// lane starts its sequence again at 1 with a started job event.
//
//   - ExecRunner spawns a local command and streams its stdout
//   - KafkaRunner publishes run requests to a topic and consumes events from another
package agent
