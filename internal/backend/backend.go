// Package backend opens the stores selected by configuration and assembles the
// lifecycle engine on top of them. It is shared by the server and authctl.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/config"
	"github.com/example/tokenkeeper/internal/credential"
	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/logging"
	"github.com/example/tokenkeeper/internal/metrics"
	"github.com/example/tokenkeeper/internal/store"
	"github.com/example/tokenkeeper/internal/token"
)

// Backend is the principal store plus the revocation store. They are the same
// database unless the revocation records live in Redis.
type Backend struct {
	Users  store.Users
	Tokens store.RefreshTokens

	pingers map[string]store.Pinger
	closers []io.Closer
}

// New wraps already opened stores.
func New(users store.Users, tokens store.RefreshTokens) *Backend {
	b := &Backend{Users: users, Tokens: tokens, pingers: map[string]store.Pinger{}}
	if p, ok := users.(store.Pinger); ok {
		b.pingers["users"] = p
	}
	if p, ok := tokens.(store.Pinger); ok {
		b.pingers["tokens"] = p
	}
	return b
}

// Open connects the stores named by cfg. Schema migrations for Postgres are not
// run here.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	var (
		users  store.Users
		tokens store.RefreshTokens
		closer io.Closer
	)
	switch cfg.DBAdapter {
	case "postgres":
		p, err := store.NewPostgresDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		users, tokens, closer = p, p, p
		log.Info("connected to postgres")
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLiteFile); dir != "." && cfg.SQLiteFile != ":memory:" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.NewSQLiteDB(cfg.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		users, tokens, closer = s, s, s
		log.Info("opened sqlite database", zap.String("file", cfg.SQLiteFile))
	case "memory":
		m := store.NewMemoryDB()
		users, tokens = m, m
		log.Warn("using in-memory database (not recommended for production)")
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", cfg.DBAdapter)
	}

	var closers []io.Closer
	if closer != nil {
		closers = append(closers, closer)
	}

	if cfg.RevocationBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			for _, c := range closers {
				c.Close()
			}
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		tokens = store.NewRedisTokens(rdb, store.WithKeyPrefix(cfg.RedisPrefix))
		closers = append(closers, rdb)
		log.Info("revocation records in redis", zap.String("addr", cfg.RedisAddr), zap.String("prefix", cfg.RedisPrefix))
	}

	b := New(users, tokens)
	b.closers = closers
	return b, nil
}

// Ping checks every store that can report liveness.
func (b *Backend) Ping(ctx context.Context) error {
	var errs []error
	for name, p := range b.pingers {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

// PrincipalCheck resolves refresh token owners against the user store. Missing
// and inactive users are refused.
func PrincipalCheck(users store.Users) lifecycle.PrincipalCheck {
	return func(ctx context.Context, subject string) (string, bool, error) {
		u, err := users.GetUserByID(ctx, subject)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return u.Email, u.Active, nil
	}
}

// NewEngine builds the codec from the configured key ring and the engine on
// top of b.
func NewEngine(cfg *config.Config, b *Backend, log *zap.Logger, rec *metrics.Recorder) (*lifecycle.Engine, error) {
	codec, err := token.New(cfg.SigningKeys())
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	return lifecycle.New(codec, b.Tokens,
		lifecycle.Config{AccessTTL: cfg.AccessTokenTTL, RefreshTTL: cfg.RefreshTokenTTL},
		lifecycle.WithLogger(log),
		lifecycle.WithRedactor(logging.NewRedactor()),
		lifecycle.WithMetrics(rec),
		lifecycle.WithPrincipalCheck(PrincipalCheck(b.Users)),
	)
}

// NewVerifier returns the password verifier used for new digests.
func NewVerifier() (*credential.Verifier, error) {
	return credential.New(credential.DefaultParams)
}
