// Package lifecycle issues, authenticates, rotates and revokes token pairs.
//
// Access tokens are stateless: authenticating one never touches the store, so
// callers must re-check the principal on every use. Refresh tokens are backed
// by a revocation record and can be rotated exactly once. All coordination
// between concurrent rotations happens in the store through a conditional
// revoke; the engine holds no locks and never retries.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/tokenkeeper/internal/logging"
	"github.com/example/tokenkeeper/internal/metrics"
	"github.com/example/tokenkeeper/internal/store"
	"github.com/example/tokenkeeper/internal/token"
)

// Revocation reasons written by the engine and its callers.
const (
	ReasonRotated           = "rotated"
	ReasonLogout            = "logout"
	ReasonLogoutAll         = "logout_all"
	ReasonPasswordChange    = "password_change"
	ReasonUserDelete        = "user_delete"
	ReasonPrincipalInactive = "principal_inactive"
	ReasonAdmin             = "admin"
)

// Meta is request metadata stored with a refresh record for audit.
type Meta struct {
	IP        string
	UserAgent string
}

// Pair is a freshly minted access/refresh pair.
type Pair struct {
	Subject          string
	AccessToken      string
	AccessExpiresAt  time.Time
	AccessTTL        time.Duration
	RefreshToken     string
	RefreshID        string
	RefreshIssuedAt  time.Time
	RefreshExpiresAt time.Time
	RefreshTTL       time.Duration
}

// PrincipalCheck resolves the owner of a refresh token during rotation. ok is
// false when the principal no longer exists or is inactive; err is reserved for
// lookup failures.
type PrincipalCheck func(ctx context.Context, subject string) (email string, ok bool, err error)

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Engine struct {
	codec     *token.Codec
	store     store.RefreshTokens
	cfg       Config
	now       func() time.Time
	log       *zap.Logger
	redact    *logging.Redactor
	metrics   *metrics.Recorder
	principal PrincipalCheck
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithRedactor(r *logging.Redactor) Option {
	return func(e *Engine) { e.redact = r }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPrincipalCheck(fn PrincipalCheck) Option {
	return func(e *Engine) { e.principal = fn }
}

func New(codec *token.Codec, s store.RefreshTokens, cfg Config, opts ...Option) (*Engine, error) {
	if codec == nil || s == nil {
		return nil, errors.New("lifecycle: codec and store are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("lifecycle: token TTLs must be positive")
	}
	e := &Engine{
		codec:  codec,
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		log:    zap.NewNop(),
		redact: logging.NewRedactor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// logOutcome writes one entry per operation. Classified failures log at Warn,
// storage and internal failures at Error.
func (e *Engine) logOutcome(op string, start time.Time, err error, successLevel zapcore.Level, kv ...any) {
	kind := KindOf(err)
	kv = append(kv, "op", op, "outcome", kind.String(), "duration", time.Since(start))
	fields := e.redact.Fields(kv...)
	level := successLevel
	switch kind {
	case KindNone:
	case KindStorageUnavailable, KindConflict, KindInternal:
		level = zapcore.ErrorLevel
		fields = append(fields, zap.Error(err))
	default:
		level = zapcore.WarnLevel
		fields = append(fields, zap.String("error", err.Error()))
	}
	if ce := e.log.Check(level, "token "+op); ce != nil {
		ce.Write(fields...)
	}
}

// mint signs a pair without touching the store.
func (e *Engine) mint(subject, email string) (*Pair, error) {
	access, err := e.codec.Issue(token.Access, subject, email, e.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := e.codec.Issue(token.Refresh, subject, email, e.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &Pair{
		Subject:          subject,
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		AccessTTL:        e.cfg.AccessTTL,
		RefreshToken:     refresh.Token,
		RefreshID:        refresh.ID,
		RefreshIssuedAt:  refresh.IssuedAt,
		RefreshExpiresAt: refresh.ExpiresAt,
		RefreshTTL:       e.cfg.RefreshTTL,
	}, nil
}

func (p *Pair) record(meta Meta) store.RefreshRecord {
	return store.RefreshRecord{
		JTI:       p.RefreshID,
		UserID:    p.Subject,
		IssuedAt:  p.RefreshIssuedAt,
		ExpiresAt: p.RefreshExpiresAt,
		IP:        store.StringPtr(meta.IP),
		UserAgent: store.StringPtr(meta.UserAgent),
	}
}

// IssuePair mints an access and a refresh token and records the refresh
// identity. The store write is the last step; on failure no tokens are returned.
func (e *Engine) IssuePair(ctx context.Context, subject, email string, meta Meta) (pair *Pair, err error) {
	start := time.Now()
	defer func() {
		kv := []any{"subject", subject, "ip", meta.IP, "user_agent", meta.UserAgent}
		if pair != nil {
			kv = append(kv, "jti", pair.RefreshID)
		}
		e.logOutcome("issue", start, err, zapcore.DebugLevel, kv...)
	}()

	p, err := e.mint(subject, email)
	if err != nil {
		return nil, err
	}
	if err := e.store.Record(ctx, p.record(meta)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, unavailable(err)
	}
	e.metrics.Issued(string(token.Access))
	e.metrics.Issued(string(token.Refresh))
	return p, nil
}

// AuthenticateAccess verifies an access token and returns its subject. It does
// not consult the store.
func (e *Engine) AuthenticateAccess(raw string) (subject string, err error) {
	start := time.Now()
	defer func() {
		e.logOutcome("authenticate", start, err, zapcore.DebugLevel, "subject", subject)
		e.metrics.Authenticated(KindOf(err).String())
	}()

	claims, err := e.codec.Parse(raw)
	if err == nil && claims.Type != token.Access {
		err = ErrWrongKind
	}
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (e *Engine) parseRefresh(raw string) (*token.Claims, error) {
	claims, err := e.codec.Parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.Refresh {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// Rotate exchanges a refresh token for a new pair. The old identity is revoked
// by a conditional write before the new one is recorded; a revoke that changes
// nothing means another caller won or the token was replayed, and no pair is
// issued.
func (e *Engine) Rotate(ctx context.Context, raw string, meta Meta) (pair *Pair, err error) {
	start := time.Now()
	var oldJTI, subject string
	defer func() {
		kv := []any{"subject", subject, "old_jti", oldJTI, "ip", meta.IP, "user_agent", meta.UserAgent}
		if pair != nil {
			kv = append(kv, "new_jti", pair.RefreshID)
		}
		e.logOutcome("rotate", start, err, zapcore.InfoLevel, kv...)
		e.metrics.Rotation(KindOf(err).String())
	}()

	claims, err := e.parseRefresh(raw)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOrRevoked, err)
		}
		return nil, err
	}
	oldJTI, subject = claims.ID, claims.Subject

	rec, err := e.store.Lookup(ctx, oldJTI)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrInvalidOrRevoked
	case err != nil:
		return nil, unavailable(err)
	}
	if rec.Revoked() || !rec.Usable(e.now()) || rec.UserID != subject {
		return nil, ErrInvalidOrRevoked
	}

	email := claims.Email
	if e.principal != nil {
		resolved, ok, err := e.principal(ctx, subject)
		if err != nil {
			return nil, unavailable(err)
		}
		if !ok {
			if _, err := e.store.Revoke(ctx, oldJTI, ReasonPrincipalInactive); err != nil {
				return nil, unavailable(err)
			}
			return nil, ErrInvalidOrRevoked
		}
		email = resolved
	}

	next, err := e.mint(subject, email)
	if err != nil {
		return nil, err
	}
	if err := e.swap(ctx, oldJTI, next.record(meta)); err != nil {
		return nil, err
	}
	e.metrics.Revoked(ReasonRotated, 1)
	e.metrics.Issued(string(token.Access))
	e.metrics.Issued(string(token.Refresh))
	return next, nil
}

// swap revokes oldJTI and records next, atomically when the store supports it.
func (e *Engine) swap(ctx context.Context, oldJTI string, next store.RefreshRecord) error {
	if r, ok := e.store.(store.Rotator); ok {
		err := r.Rotate(ctx, oldJTI, ReasonRotated, next)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrAlreadyRevoked):
			return ErrInvalidOrRevoked
		case errors.Is(err, store.ErrConflict):
			return ErrConflict
		default:
			return unavailable(err)
		}
	}

	changed, err := e.store.Revoke(ctx, oldJTI, ReasonRotated)
	if err != nil {
		return unavailable(err)
	}
	if !changed {
		return ErrInvalidOrRevoked
	}
	// A failure here leaves the old identity revoked and no replacement: the
	// client has to log in again.
	if err := e.store.Record(ctx, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrConflict
		}
		return unavailable(err)
	}
	return nil
}

// RevokeOne revokes the identity carried by a refresh token. Revoking an
// unknown or already revoked identity succeeds.
func (e *Engine) RevokeOne(ctx context.Context, raw, reason string) (err error) {
	start := time.Now()
	var jti, subject string
	changed := false
	defer func() {
		e.logOutcome("revoke", start, err, zapcore.DebugLevel,
			"subject", subject, "jti", jti, "reason", reason, "changed", changed)
	}()

	claims, err := e.parseRefresh(raw)
	if err != nil {
		return err
	}
	jti, subject = claims.ID, claims.Subject
	if changed, err = e.store.Revoke(ctx, jti, reason); err != nil {
		return unavailable(err)
	}
	if changed {
		e.metrics.Revoked(reason, 1)
	}
	return nil
}

// RevokeAll revokes every active refresh identity of subject. Callers must let
// it complete before clearing client-side credentials.
func (e *Engine) RevokeAll(ctx context.Context, subject, reason string) (n int64, err error) {
	start := time.Now()
	defer func() {
		e.logOutcome("revoke_all", start, err, zapcore.InfoLevel,
			"subject", subject, "reason", reason, "count", n)
	}()

	n, err = e.store.RevokeAll(ctx, subject, reason)
	if err != nil {
		return 0, unavailable(err)
	}
	e.metrics.Revoked(reason, n)
	return n, nil
}

// PurgeExpired deletes records past their expiry, revoked or not.
func (e *Engine) PurgeExpired(ctx context.Context) (n int64, err error) {
	start := time.Now()
	defer func() {
		e.logOutcome("purge", start, err, zapcore.InfoLevel, "count", n)
	}()

	n, err = e.store.PurgeExpired(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	e.metrics.Purged(n)
	return n, nil
}
