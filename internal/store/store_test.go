package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type tokenBackend interface {
	RefreshTokens
	Rotator
}

type backendFactory func(t *testing.T, clock *testClock) tokenBackend

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestSQLite(t *testing.T, clock *testClock) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(":memory:", WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var backends = map[string]backendFactory{
	"memory": func(t *testing.T, clock *testClock) tokenBackend {
		return NewMemoryDB(WithClock(clock.Now))
	},
	"sqlite": func(t *testing.T, clock *testClock) tokenBackend {
		return newTestSQLite(t, clock)
	},
	"redis": func(t *testing.T, clock *testClock) tokenBackend {
		return NewRedisTokens(newTestRedis(t), WithClock(clock.Now), WithKeyPrefix("test"))
	},
}

func TestRevocationStores(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			runRevocationSuite(t, factory)
		})
	}
}

func newRecord(clock *testClock, jti, user string, ttl time.Duration) RefreshRecord {
	now := clock.Now()
	return RefreshRecord{
		JTI:       jti,
		UserID:    user,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		IP:        StringPtr("10.0.0.1"),
		UserAgent: StringPtr("curl/8.0"),
	}
}

func runRevocationSuite(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("record and lookup", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		rec := newRecord(clock, "jti-1", "user-1", time.Hour)
		require.NoError(t, s.Record(ctx, rec))

		got, err := s.Lookup(ctx, "jti-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.True(t, rec.IssuedAt.Equal(got.IssuedAt))
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
		assert.Nil(t, got.RevokedAt)
		assert.Nil(t, got.RevokeReason)
		require.NotNil(t, got.IP)
		assert.Equal(t, "10.0.0.1", *got.IP)
		require.NotNil(t, got.UserAgent)
		assert.Equal(t, "curl/8.0", *got.UserAgent)
		assert.True(t, got.Usable(clock.Now()))
	})

	t.Run("duplicate jti conflicts", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		rec := newRecord(clock, "dup", "user-1", time.Hour)
		require.NoError(t, s.Record(ctx, rec))
		assert.ErrorIs(t, s.Record(ctx, rec), ErrConflict)
	})

	t.Run("lookup missing", func(t *testing.T) {
		s := factory(t, newTestClock())
		_, err := s.Lookup(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("revoke is conditional and idempotent", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "jti-r", "user-1", time.Hour)))

		changed, err := s.Revoke(ctx, "jti-r", "logout")
		require.NoError(t, err)
		assert.True(t, changed)

		firstRevoked := clock.Now()
		clock.Advance(time.Minute)

		changed, err = s.Revoke(ctx, "jti-r", "again")
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := s.Lookup(ctx, "jti-r")
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, firstRevoked.Equal(*got.RevokedAt), "revoked_at is write-once")
		require.NotNil(t, got.RevokeReason)
		assert.Equal(t, "logout", *got.RevokeReason)
		assert.False(t, got.Usable(clock.Now()))

		changed, err = s.Revoke(ctx, "unknown", "logout")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("revoke all", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Record(ctx, newRecord(clock, fmt.Sprintf("a-%d", i), "alice", time.Hour)))
		}
		require.NoError(t, s.Record(ctx, newRecord(clock, "b-0", "bob", time.Hour)))
		_, err := s.Revoke(ctx, "a-0", "logout")
		require.NoError(t, err)

		n, err := s.RevokeAll(ctx, "alice", "password_change")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = s.RevokeAll(ctx, "alice", "password_change")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		a0, err := s.Lookup(ctx, "a-0")
		require.NoError(t, err)
		assert.Equal(t, "logout", *a0.RevokeReason)

		b0, err := s.Lookup(ctx, "b-0")
		require.NoError(t, err)
		assert.False(t, b0.Revoked())
	})

	t.Run("rotate", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "old", "user-1", time.Hour)))

		require.NoError(t, s.Rotate(ctx, "old", "rotated", newRecord(clock, "new", "user-1", time.Hour)))

		old, err := s.Lookup(ctx, "old")
		require.NoError(t, err)
		assert.True(t, old.Revoked())
		assert.Equal(t, "rotated", *old.RevokeReason)

		next, err := s.Lookup(ctx, "new")
		require.NoError(t, err)
		assert.False(t, next.Revoked())

		err = s.Rotate(ctx, "old", "rotated", newRecord(clock, "newer", "user-1", time.Hour))
		assert.ErrorIs(t, err, ErrAlreadyRevoked)
		_, err = s.Lookup(ctx, "newer")
		assert.ErrorIs(t, err, ErrNotFound, "a failed rotation writes nothing")

		err = s.Rotate(ctx, "missing", "rotated", newRecord(clock, "orphan", "user-1", time.Hour))
		assert.ErrorIs(t, err, ErrAlreadyRevoked)
	})

	t.Run("rotate into existing jti leaves old usable", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "old", "user-1", time.Hour)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "taken", "user-1", time.Hour)))

		err := s.Rotate(ctx, "old", "rotated", newRecord(clock, "taken", "user-1", time.Hour))
		assert.ErrorIs(t, err, ErrConflict)

		old, err := s.Lookup(ctx, "old")
		require.NoError(t, err)
		assert.False(t, old.Revoked())
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "race", "user-1", time.Hour)))

		const workers = 16
		var wins, losses int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				err := s.Rotate(ctx, "race", "rotated", newRecord(clock, fmt.Sprintf("race-%d", i), "user-1", time.Hour))
				switch {
				case err == nil:
					atomic.AddInt64(&wins, 1)
				case assert.ErrorIs(t, err, ErrAlreadyRevoked):
					atomic.AddInt64(&losses, 1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, wins)
		assert.EqualValues(t, workers-1, losses)

		active := 0
		for i := 0; i < workers; i++ {
			rec, err := s.Lookup(ctx, fmt.Sprintf("race-%d", i))
			if err == nil && !rec.Revoked() {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("purge removes only expired", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "short", "user-1", time.Minute)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "short-revoked", "user-1", time.Minute)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "edge", "user-1", 2*time.Minute)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "long", "user-1", time.Hour)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "long-revoked", "user-1", time.Hour)))
		_, err := s.Revoke(ctx, "short-revoked", "logout")
		require.NoError(t, err)
		_, err = s.Revoke(ctx, "long-revoked", "logout")
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		n, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		for _, jti := range []string{"short", "short-revoked"} {
			_, err := s.Lookup(ctx, jti)
			assert.ErrorIs(t, err, ErrNotFound, jti)
		}
		for _, jti := range []string{"edge", "long", "long-revoked"} {
			_, err := s.Lookup(ctx, jti)
			assert.NoError(t, err, jti)
		}

		n, err = s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("purge at sub-second clock", func(t *testing.T) {
		clock := newTestClock()
		s := factory(t, clock)
		require.NoError(t, s.Record(ctx, newRecord(clock, "just-expired", "user-1", 10*time.Second)))
		require.NoError(t, s.Record(ctx, newRecord(clock, "next-second", "user-1", 11*time.Second)))

		clock.Advance(10*time.Second + 500*time.Millisecond)

		n, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.Lookup(ctx, "just-expired")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Lookup(ctx, "next-second")
		assert.NoError(t, err)
	})
}

func TestRedisKeysUsePrefix(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	clock := newTestClock()
	s := NewRedisTokens(rdb, WithClock(clock.Now), WithKeyPrefix("svc"))
	require.NoError(t, s.Record(ctx, newRecord(clock, "k1", "user-9", time.Hour)))

	exists, err := rdb.Exists(ctx, "svc:rt:k1", "svc:rt:user:user-9", "svc:rt:exp").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, exists)

	clock.Advance(2 * time.Hour)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	members, err := rdb.SMembers(ctx, "svc:rt:user:user-9").Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	s := NewRedisTokens(rdb)
	_, err = s.Revoke(context.Background(), "x", "logout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis error")
	assert.Error(t, s.Ping(context.Background()))
}
