package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchkeeper/internal/db"
	"watchkeeper/internal/migrate"
)

func newSQL(t *testing.T) *SQL {
	t.Helper()
	dir := t.TempDir()
	_, err := db.EnsureWorkspace(dir)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return NewSQL(conn)
}

func TestSQLLease(t *testing.T) {
	ctx := context.Background()
	l := newSQL(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	ok, err := l.Acquire(ctx, "MY-A", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "MY-A", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block other holders")

	ok, err = l.Acquire(ctx, "MY-B", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per vessel")

	now = now.Add(2 * time.Minute)
	ok, err = l.Acquire(ctx, "MY-A", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, l.Release(ctx, "MY-A", "h1"))
	ok, err = l.Acquire(ctx, "MY-A", "h3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a stale holder is a no-op")

	require.NoError(t, l.Release(ctx, "MY-A", "h2"))
	ok, err = l.Acquire(ctx, "MY-A", "h3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type memLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func (m *memLocker) Acquire(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.holders[key]; ok && cur != holder {
		return false, nil
	}
	m.holders[key] = holder
	return true, nil
}

func (m *memLocker) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[key] == holder {
		delete(m.holders, key)
	}
	return nil
}

func TestWaitTimesOut(t *testing.T) {
	m := &memLocker{holders: map[string]string{"MY-A": "other"}}
	start := time.Now()
	err := Wait(context.Background(), m, "MY-A", "me", time.Minute, 150*time.Millisecond)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitWithoutBudgetTriesOnce(t *testing.T) {
	m := &memLocker{holders: map[string]string{"MY-A": "other"}}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	err := Wait(ctx, m, "MY-A", "me", time.Minute, 0)
	assert.True(t, errors.Is(err, ErrNotAcquired), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, Wait(ctx, m, "MY-B", "me", time.Minute, 0))
}

func TestWaitAcquiresAfterRelease(t *testing.T) {
	m := &memLocker{holders: map[string]string{"MY-A": "other"}}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.Release(context.Background(), "MY-A", "other")
	}()
	require.NoError(t, Wait(context.Background(), m, "MY-A", "me", time.Minute, 2*time.Second))
	assert.Equal(t, "me", m.holders["MY-A"])
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("WATCHKEEPER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WATCHKEEPER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	l := NewRedis(client)
	l.Prefix = "watchkeeper:test:" + time.Now().Format("150405.000") + ":"

	ok, err := l.Acquire(ctx, "MY-A", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Acquire(ctx, "MY-A", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, l.Release(ctx, "MY-A", "h2"))
	ok, err = l.Acquire(ctx, "MY-A", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, l.Release(ctx, "MY-A", "h1"))
	ok, err = l.Acquire(ctx, "MY-A", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx, "MY-A", "h2"))
}
