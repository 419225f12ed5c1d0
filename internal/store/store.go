// Package store holds the persistent state behind the token service: the
// principal table and the refresh-token revocation table, with memory, SQLite,
// Postgres and Redis adapters.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (jti, email) already exists.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyRevoked is returned by Rotate when the conditional revoke of the
	// old identity changed nothing: it was revoked by someone else or is gone.
	ErrAlreadyRevoked = errors.New("already revoked")
)

// Users is the principal store.
type Users interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) (bool, error)
	DeleteUserByEmail(ctx context.Context, email string) (bool, error)
}

// RefreshTokens is the revocation store. Every method is safe for concurrent use;
// coordination happens through conditional writes in the backend.
type RefreshTokens interface {
	// Record inserts rec. ErrConflict if the jti already exists.
	Record(ctx context.Context, rec RefreshRecord) error
	// Lookup returns the record for jti or ErrNotFound.
	Lookup(ctx context.Context, jti string) (*RefreshRecord, error)
	// Revoke sets revoked_at and reason iff the record exists and is not revoked,
	// and reports whether it changed anything. Absent or revoked is not an error.
	Revoke(ctx context.Context, jti, reason string) (bool, error)
	// RevokeAll revokes every unrevoked record owned by userID.
	RevokeAll(ctx context.Context, userID, reason string) (int64, error)
	// PurgeExpired deletes every record whose expires_at has passed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Rotator is implemented by backends that can revoke the old identity and record
// the new one as a single atomic unit.
type Rotator interface {
	// Rotate conditionally revokes oldJTI and inserts next. It returns
	// ErrAlreadyRevoked when the old record was absent or already revoked, in
	// which case next is not written.
	Rotate(ctx context.Context, oldJTI, reason string, next RefreshRecord) error
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
