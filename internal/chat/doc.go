// Package chat projects the agent event stream onto per-session chat runs.
//
// The Mux consumes agent events from a single bus on one goroutine. That
// goroutine owns all run state, so no locks guard it:
//
//   - a FIFO of pending chat runs per internal run id, since several chat
//     requests on one session can overlap
//   - the last sequence number seen per internal run id, used to detect gaps
//   - a text buffer and trailing-edge delta timer per client run
//   - the abort registry, keyed by client run id
//
// Every agent event is re-broadcast as an agent event, assistant text is
// coalesced into throttled chat delta events, and job completion resolves the
// oldest pending run with a final or error chat event.
//
// Correlation relies on the runner contract in package agent: runs on one
// internal run id execute in start order and each ends with one terminal job
// event. Callers must therefore queue a run here (Register for chat requests,
// Track for runs without one) in the same order they start it. An aborted run
// is answered at once but keeps its queue slot until its terminal event
// arrives, and its remaining events are discarded. Events for runs nothing
// queued are attributed to the internal run id itself.
//
// Sequence state for an internal run id is dropped when its queue empties.
//
// Register, Track, Abort, and Fail are synchronous round trips into the loop.
package chat
