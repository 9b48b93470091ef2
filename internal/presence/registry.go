// ABOUTME: Last-write-wins presence table keyed by instance id, host, or connection id
// ABOUTME: Every upsert bumps the presence version used to stamp broadcasts

package presence

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Reasons recorded on presence entries.
const (
	ReasonSelf             = "self"
	ReasonConnect          = "connect"
	ReasonDisconnect       = "disconnect"
	ReasonNodeConnected    = "node-connected"
	ReasonNodeDisconnected = "node-disconnected"
	ReasonBeacon           = "beacon"
)

// Entry is the last known state of one connection or node.
type Entry struct {
	Key        string `json:"key"`
	Host       string `json:"host,omitempty"`
	IP         string `json:"ip,omitempty"`
	Version    string `json:"version,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Reason     string `json:"reason,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	Text       string `json:"text,omitempty"`
	TS         int64  `json:"ts"`
}

// Trackable reports whether connections in mode appear in presence.
// One-shot CLI calls never do.
func Trackable(mode string) bool {
	return mode != "cli"
}

// KeyFor picks the presence key for a connection: the instance id when the
// client supplied one, otherwise the host, otherwise the connection id.
func KeyFor(instanceID, host, connID string) string {
	for _, k := range []string{instanceID, host, connID} {
		if k = strings.TrimSpace(k); k != "" {
			return strings.ToLower(k)
		}
	}
	return ""
}

// Registry is the presence table for one gateway instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64
	now     func() time.Time
}

// NewRegistry creates an empty presence table.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Upsert overwrites the entry under e.Key and returns the new version.
// Entries with an empty key or an untracked mode are ignored and the
// returned bool is false.
func (r *Registry) Upsert(e Entry) (uint64, bool) {
	if e.Key == "" || !Trackable(e.Mode) {
		return r.Version(), false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.TS == 0 {
		e.TS = r.now().UnixMilli()
	}
	r.entries[e.Key] = e
	r.version++
	return r.version, true
}

// MarkReason updates only the reason and timestamp of an existing entry.
func (r *Registry) MarkReason(key, reason string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return r.version, false
	}
	e.Reason = reason
	e.TS = r.now().UnixMilli()
	r.entries[key] = e
	r.version++
	return r.version, true
}

// Get returns the entry stored under key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// List returns every entry, most recently seen first.
func (r *Registry) List() []Entry {
	list, _ := r.Snapshot()
	return list
}

// Snapshot returns the entries and the version they correspond to.
func (r *Registry) Snapshot() ([]Entry, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b Entry) int {
		if a.TS != b.TS {
			if a.TS > b.TS {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	return list, r.version
}

// Version returns the current presence version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
