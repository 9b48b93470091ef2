// ABOUTME: Session key resolution with an LRU entry cache and run id correlation
// ABOUTME: Creates sessions on first use and records transcript lines

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultKey is used when a request names no session.
const DefaultKey = "main"

// Patch updates selected fields of an entry. Nil fields are left alone.
type Patch struct {
	ThinkingLevel *string
	VerboseLevel  *string
	Label         *string
}

// Registry resolves session keys and correlates session ids back to keys.
type Registry struct {
	store  Store
	cache  *lru.Cache[string, Entry]
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex // serializes create/patch against the store
	byID sync.Map   // session id -> session key
}

// NewRegistry wraps store with an entry cache of cacheSize entries.
func NewRegistry(store Store, cacheSize int, logger *slog.Logger) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating session cache: %w", err)
	}
	return &Registry{
		store:  store,
		cache:  cache,
		logger: logger.With("component", "sessions"),
		now:    time.Now,
	}, nil
}

// Get returns the entry for key without creating it.
func (r *Registry) Get(ctx context.Context, key string) (Entry, error) {
	if e, ok := r.cache.Get(key); ok {
		return e, nil
	}
	e, err := r.store.Load(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	r.remember(e)
	return e, nil
}

// Resolve returns the entry for key, creating a new session if none exists,
// and marks it as updated now.
func (r *Registry) Resolve(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		key = DefaultKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		e = Entry{Key: key, SessionID: uuid.NewString()}
		r.logger.Info("creating session", "session_key", key, "session_id", e.SessionID)
	case err != nil:
		return Entry{}, err
	}

	e.UpdatedAt = r.now()
	if err := r.store.Save(ctx, e); err != nil {
		return Entry{}, err
	}
	r.remember(e)
	return e, nil
}

// Patch applies p to the session under key, creating it if needed.
func (r *Registry) Patch(ctx context.Context, key string, p Patch) (Entry, error) {
	e, err := r.Resolve(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ThinkingLevel != nil {
		e.ThinkingLevel = *p.ThinkingLevel
	}
	if p.VerboseLevel != nil {
		e.VerboseLevel = *p.VerboseLevel
	}
	if p.Label != nil {
		e.Label = *p.Label
	}
	if err := r.store.Save(ctx, e); err != nil {
		return Entry{}, err
	}
	r.remember(e)
	return e, nil
}

// List returns sessions active in the last activeMinutes (all when zero).
func (r *Registry) List(ctx context.Context, activeMinutes, limit int) ([]Entry, error) {
	var since time.Time
	if activeMinutes > 0 {
		since = r.now().Add(-time.Duration(activeMinutes) * time.Minute)
	}
	entries, err := r.store.List(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		r.byID.Store(e.SessionID, e.Key)
	}
	return entries, nil
}

// KeyForRun maps an internal run id (a session id) back to its session key.
// It only consults memory so it is safe to call from the run multiplexer.
func (r *Registry) KeyForRun(runID string) (string, bool) {
	v, ok := r.byID.Load(runID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// AppendMessage records a transcript line for the session under key.
func (r *Registry) AppendMessage(ctx context.Context, key, role, text, runID string) error {
	e, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return r.store.AppendMessage(ctx, Message{
		SessionID: e.SessionID,
		Role:      role,
		Text:      text,
		RunID:     runID,
		CreatedAt: r.now(),
	})
}

// History returns the entry under key and its newest limit messages.
func (r *Registry) History(ctx context.Context, key string, limit int) (Entry, []Message, error) {
	e, err := r.Get(ctx, key)
	if err != nil {
		return Entry{}, nil, err
	}
	msgs, err := r.store.Messages(ctx, e.SessionID, limit)
	if err != nil {
		return Entry{}, nil, err
	}
	return e, msgs, nil
}

func (r *Registry) remember(e Entry) {
	r.cache.Add(e.Key, e)
	r.byID.Store(e.SessionID, e.Key)
}
