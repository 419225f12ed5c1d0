package main

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/backend"
	"github.com/example/tokenkeeper/internal/config"
	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/store"
	"github.com/example/tokenkeeper/internal/token"
)

type fakeMigrator struct {
	calls   []string
	version uint
	dirty   bool
	err     error
	closed  bool
}

func (m *fakeMigrator) Up() error { m.calls = append(m.calls, "up"); return m.err }
func (m *fakeMigrator) Down() error {
	m.calls = append(m.calls, "down")
	return m.err
}
func (m *fakeMigrator) Steps(n int) error {
	m.calls = append(m.calls, "steps:"+strconv.Itoa(n))
	return m.err
}
func (m *fakeMigrator) Version() (uint, bool, error) { return m.version, m.dirty, m.err }
func (m *fakeMigrator) Force(v int) error {
	m.calls = append(m.calls, "force:"+strconv.Itoa(v))
	return m.err
}
func (m *fakeMigrator) Close() error { m.closed = true; return nil }

func testConfig(adapter string) *config.Config {
	return &config.Config{
		DBAdapter:         adapter,
		PostgresDSN:       "postgres://localhost/test",
		RevocationBackend: "sql",
		JwtSecret:         "test-secret",
		JwtAlg:            "HS256",
		AccessTokenTTL:    time.Minute,
		RefreshTokenTTL:   time.Hour,
	}
}

type harness struct {
	app *app
	out *bytes.Buffer
	mig *fakeMigrator
	mem *store.MemDB
	dsn string
	now time.Time
}

func newHarness(adapter string) *harness {
	h := &harness{out: &bytes.Buffer{}, mig: &fakeMigrator{}, now: time.Now()}
	h.mem = store.NewMemoryDB(store.WithClock(func() time.Time { return h.now }))
	h.app = &app{
		stdout:     h.out,
		log:        zap.NewNop(),
		loadConfig: func() (*config.Config, error) { return testConfig(adapter), nil },
		openBackend: func(context.Context, *config.Config, *zap.Logger) (*backend.Backend, error) {
			return backend.New(h.mem, h.mem), nil
		},
		openMigrator: func(dsn string, _ *zap.Logger) (migrator, error) {
			h.dsn = dsn
			return h.mig, nil
		},
	}
	return h
}

func (h *harness) run(args ...string) error {
	root := newRootCmd(h.app)
	root.SetArgs(args)
	root.SetOut(h.out)
	return root.ExecuteContext(context.Background())
}

func TestMigrateCommands(t *testing.T) {
	cases := []struct {
		args  []string
		calls []string
		out   string
	}{
		{[]string{"migrate", "up"}, []string{"up"}, "migrations applied successfully"},
		{[]string{"migrate", "up", "--steps", "1"}, []string{"steps:1"}, "migrations applied successfully"},
		{[]string{"migrate", "down", "--steps", "2"}, []string{"steps:-2"}, "rolled back"},
		{[]string{"migrate", "down", "--all"}, []string{"down"}, "rolled back"},
		{[]string{"migrate", "force", "1"}, []string{"force:1"}, "forced database to version 1"},
	}
	for _, c := range cases {
		h := newHarness("postgres")
		require.NoError(t, h.run(c.args...), c.args)
		assert.Equal(t, c.calls, h.mig.calls, c.args)
		assert.Contains(t, h.out.String(), c.out)
		assert.True(t, h.mig.closed)
		assert.Equal(t, "postgres://localhost/test", h.dsn)
	}
}

func TestMigrateVersion(t *testing.T) {
	h := newHarness("postgres")
	h.mig.version = 2
	require.NoError(t, h.run("migrate", "version"))
	assert.Contains(t, h.out.String(), "current migration version: 2")

	h = newHarness("postgres")
	h.mig.version, h.mig.dirty = 1, true
	assert.ErrorContains(t, h.run("migrate", "version"), "dirty state (version 1)")
}

func TestMigrateRefusals(t *testing.T) {
	h := newHarness("postgres")
	assert.ErrorContains(t, h.run("migrate", "down"), "--all")
	assert.Empty(t, h.mig.calls)

	assert.ErrorContains(t, h.run("migrate", "force", "abc"), "invalid version")

	h = newHarness("sqlite")
	assert.ErrorContains(t, h.run("migrate", "up"), "only work with PostgreSQL")

	h = newHarness("postgres")
	h.mig.err = errors.New("boom")
	assert.ErrorContains(t, h.run("migrate", "up"), "migration up failed: boom")
}

func issue(t *testing.T, h *harness, subject string, ttl time.Duration) *lifecycle.Pair {
	t.Helper()
	codec, err := token.New([]token.Key{{Secret: []byte("test-secret"), Algorithm: "HS256"}})
	require.NoError(t, err)
	e, err := lifecycle.New(codec, h.mem, lifecycle.Config{AccessTTL: ttl / 2, RefreshTTL: ttl})
	require.NoError(t, err)
	p, err := e.IssuePair(context.Background(), subject, subject+"@example.com", lifecycle.Meta{})
	require.NoError(t, err)
	return p
}

func TestRevokeAll(t *testing.T) {
	h := newHarness("memory")
	a := issue(t, h, "user-1", time.Hour)
	issue(t, h, "user-1", time.Hour)
	other := issue(t, h, "user-2", time.Hour)

	require.NoError(t, h.run("revoke-all", "user-1", "--reason", "compromised"))
	assert.Contains(t, h.out.String(), "revoked 2 refresh tokens for user-1")

	rec, err := h.mem.Lookup(context.Background(), a.RefreshID)
	require.NoError(t, err)
	require.NotNil(t, rec.RevokeReason)
	assert.Equal(t, "compromised", *rec.RevokeReason)

	rec, err = h.mem.Lookup(context.Background(), other.RefreshID)
	require.NoError(t, err)
	assert.Nil(t, rec.RevokedAt)

	assert.Error(t, h.run("revoke-all"))
}

func TestRevokeAllDefaultReason(t *testing.T) {
	h := newHarness("memory")
	p := issue(t, h, "user-1", time.Hour)
	require.NoError(t, h.run("revoke-all", "user-1"))

	rec, err := h.mem.Lookup(context.Background(), p.RefreshID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ReasonAdmin, *rec.RevokeReason)
}

func TestPurge(t *testing.T) {
	h := newHarness("memory")
	short := issue(t, h, "user-1", time.Hour)
	long := issue(t, h, "user-2", 24*time.Hour)

	h.now = h.now.Add(2 * time.Hour)
	require.NoError(t, h.run("purge"))
	assert.Contains(t, h.out.String(), "purged 1 expired refresh records")

	_, err := h.mem.Lookup(context.Background(), short.RefreshID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.mem.Lookup(context.Background(), long.RefreshID)
	assert.NoError(t, err)
}

func TestConfigErrorSurfaces(t *testing.T) {
	h := newHarness("memory")
	h.app.loadConfig = func() (*config.Config, error) { return nil, errors.New("JWT_SECRET must be set") }
	assert.ErrorContains(t, h.run("purge"), "config: JWT_SECRET must be set")
}
