// Package dispatch routes request frames to typed method handlers.
//
// A Dispatcher is shared by every transport. Each method registers a params
// type; the dispatcher decodes and validates params before the handler runs,
// guarantees exactly one response per request, converts handler panics into
// UNAVAILABLE errors, and, for idempotent methods, replays stored outcomes
// from the dedupe cache instead of executing again.
package dispatch
