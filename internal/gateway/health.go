// ABOUTME: Cached gateway health snapshot refreshed on a ticker and on demand
// ABOUTME: A changed snapshot bumps the health version and is broadcast to clients

package gateway

import (
	"context"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthSnapshot is the payload of the health method and health events.
type HealthSnapshot struct {
	OK         bool        `json:"ok"`
	TS         int64       `json:"ts"`
	DurationMs int64       `json:"durationMs"`
	Version    string      `json:"version"`
	UptimeMs   int64       `json:"uptimeMs"`
	State      HealthState `json:"state"`
}

// HealthState is the comparable part of a snapshot. A refresh only counts as
// a change when the state differs.
type HealthState struct {
	Clients     int    `json:"clients"`
	Nodes       int    `json:"nodes"`
	Sessions    int    `json:"sessions"`
	PendingRuns int    `json:"pendingRuns"`
	Database    string `json:"database"`
	Runner      string `json:"runner"`
	Multiplexer string `json:"multiplexer"`
}

// healthProbe gathers the current state.
type healthProbe func(ctx context.Context) HealthState

type healthMonitor struct {
	probe   healthProbe
	version string
	started time.Time
	now     func() time.Time

	// onChange runs after the snapshot changed; it must not block.
	onChange func(HealthSnapshot, uint64)
	// setServing mirrors OK into the gRPC health service.
	setServing func(healthpb.HealthCheckResponse_ServingStatus)

	mu       sync.Mutex
	snapshot HealthSnapshot
	seq      uint64
	primed   bool
}

func newHealthMonitor(probe healthProbe, version string) *healthMonitor {
	now := time.Now
	return &healthMonitor{
		probe:   probe,
		version: version,
		started: now(),
		now:     now,
	}
}

// Refresh probes the gateway and stores the result.
func (h *healthMonitor) Refresh(ctx context.Context) HealthSnapshot {
	start := h.now()
	state := h.probe(ctx)
	end := h.now()

	snap := HealthSnapshot{
		OK:         state.Database == "ok" && state.Multiplexer == "ok",
		TS:         end.UnixMilli(),
		DurationMs: end.Sub(start).Milliseconds(),
		Version:    h.version,
		UptimeMs:   end.Sub(h.started).Milliseconds(),
		State:      state,
	}

	h.mu.Lock()
	changed := !h.primed || h.snapshot.State != state || h.snapshot.OK != snap.OK
	h.snapshot = snap
	h.primed = true
	if changed {
		h.seq++
	}
	seq := h.seq
	h.mu.Unlock()

	if changed {
		if h.setServing != nil {
			status := healthpb.HealthCheckResponse_SERVING
			if !snap.OK {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			h.setServing(status)
		}
		if h.onChange != nil {
			h.onChange(snap, seq)
		}
	}
	return snap
}

// Snapshot returns the last stored snapshot and its version without probing.
func (h *healthMonitor) Snapshot() (HealthSnapshot, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot, h.seq
}

// Version returns the health version.
func (h *healthMonitor) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// loop refreshes every interval until ctx is done.
func (h *healthMonitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
