// ABOUTME: Tests for the SQLite session store
// ABOUTME: Uses in-memory and temp-file databases

package session

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.Save(t.Context(), Entry{Key: "main", SessionID: "sid-1", UpdatedAt: now, ThinkingLevel: "low"}))

	e, err := s.Load(t.Context(), "main")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", e.SessionID)
	assert.Equal(t, "low", e.ThinkingLevel)
	assert.True(t, now.Equal(e.UpdatedAt))

	// The session id of an existing key never changes.
	require.NoError(t, s.Save(t.Context(), Entry{Key: "main", SessionID: "sid-2", UpdatedAt: now, Label: "home"}))
	e, err = s.Load(t.Context(), "main")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", e.SessionID)
	assert.Equal(t, "home", e.Label)
}

func TestSQLiteStore_ListActive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.Save(t.Context(), Entry{Key: "old", SessionID: "a", UpdatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Save(t.Context(), Entry{Key: "new", SessionID: "b", UpdatedAt: now}))

	all, err := s.List(t.Context(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].Key)

	recent, err := s.List(t.Context(), now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Key)

	limited, err := s.List(t.Context(), time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_MessagesNewestWindowInOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(t.Context(), Entry{Key: "main", SessionID: "sid", UpdatedAt: time.Now()}))

	base := time.Now()
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(t.Context(), Message{
			SessionID: "sid",
			Role:      RoleUser,
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.Messages(t.Context(), "sid", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)

	all, err := s.Messages(t.Context(), "sid", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.db")

	s, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), Entry{Key: "main", SessionID: "sid", UpdatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Load(t.Context(), "main")
	require.NoError(t, err)
	assert.Equal(t, "sid", e.SessionID)
}
