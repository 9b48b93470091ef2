// ABOUTME: Tests for the idempotency outcome cache.
// ABOUTME: Validates TTL expiry, oldest-first eviction, replay, and concurrent duplicate collapse.

package dedupe

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/protocol"
)

func okOutcome(payload string) Outcome {
	return Outcome{OK: true, Payload: json.RawMessage(payload)}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "chat:k1", Key("chat", "k1"))
	assert.NotEqual(t, Key("chat", "k1"), Key("agent", "k1"))
}

func TestCache_Get_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
}

func TestCache_PutGet(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Put("chat:k1", okOutcome(`{"runId":"k1","status":"ok"}`))

	outcome, ok := cache.Get("chat:k1")
	require.True(t, ok)
	assert.True(t, outcome.OK)
	assert.JSONEq(t, `{"runId":"k1","status":"ok"}`, string(outcome.Payload))
}

func TestCache_Get_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("expiring-key", okOutcome(`{}`))
	_, ok := cache.Get("expiring-key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("expiring-key")
	assert.False(t, ok)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Put("first", okOutcome(`1`))
	cache.Put("second", okOutcome(`2`))
	cache.Put("third", okOutcome(`3`))

	cache.Put("fourth", okOutcome(`4`))

	_, ok := cache.Get("first")
	assert.False(t, ok, "first should be evicted")
	for _, key := range []string{"second", "third", "fourth"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, key)
	}

	cache.Put("fifth", okOutcome(`5`))
	_, ok = cache.Get("second")
	assert.False(t, ok, "second should be evicted")
	assert.Equal(t, 3, cache.Len())
}

func TestCache_PutRefreshesPosition(t *testing.T) {
	cache := New(5*time.Minute, 2)
	defer cache.Close()

	cache.Put("a", okOutcome(`1`))
	cache.Put("b", okOutcome(`2`))
	cache.Put("a", okOutcome(`3`))
	cache.Put("c", okOutcome(`4`))

	_, ok := cache.Get("b")
	assert.False(t, ok, "b became the oldest after a was refreshed")

	outcome, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`3`), outcome.Payload)
}

func TestCache_Cleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("cleanup-1", okOutcome(`{}`))
	cache.Put("cleanup-2", okOutcome(`{}`))

	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	cache.mu.RLock()
	mapLen := len(cache.seen)
	listLen := cache.order.Len()
	cache.mu.RUnlock()
	assert.Equal(t, 0, mapLen, "cleanup should remove expired entries from map")
	assert.Equal(t, 0, listLen, "cleanup should remove expired entries from order list")
}

func TestCache_Do_ReplaysWithoutRerunning(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var calls int
	fn := func() Outcome {
		calls++
		return okOutcome(`{"runId":"k1","status":"ok"}`)
	}

	first, replayed := cache.Do("chat:k1", fn)
	assert.False(t, replayed)
	second, replayed := cache.Do("chat:k1", fn)
	assert.True(t, replayed)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestCache_Do_StoresErrors(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var calls int
	fn := func() Outcome {
		calls++
		return Outcome{Error: protocol.Unavailable("agent failed").Shape()}
	}

	cache.Do("chat:k2", fn)
	outcome, replayed := cache.Do("chat:k2", fn)

	assert.True(t, replayed)
	assert.Equal(t, 1, calls)
	assert.False(t, outcome.OK)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, protocol.CodeUnavailable, outcome.Error.Code)
}

func TestCache_Do_ConcurrentDuplicatesRunOnce(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() Outcome {
		calls.Add(1)
		<-release
		return okOutcome(`{"runId":"k3"}`)
	}

	const numGoroutines = 50
	results := make([]Outcome, numGoroutines)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	wg.Add(numGoroutines)
	started.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _ = cache.Do("chat:k3", fn)
		}(i)
	}

	started.Wait()
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, json.RawMessage(`{"runId":"k3"}`), r.Payload)
	}
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Put("before-close", okOutcome(`{}`))

	cache.Close()
	cache.Close()

	_, ok := cache.Get("before-close")
	assert.True(t, ok, "entries stay readable after close")
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Minute, sweepInterval(5*time.Minute))
	assert.Equal(t, 5*time.Second, sweepInterval(10*time.Second))
	assert.Equal(t, time.Minute, sweepInterval(0))
}
