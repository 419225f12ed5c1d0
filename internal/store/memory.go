package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a store adapter.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, prefix: "tk"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for revoked_at, created_at and purge.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKeyPrefix sets the key namespace of the Redis adapter.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// MemDB keeps everything in process memory. Not recommended for production.
type MemDB struct {
	mu     sync.Mutex
	now    func() time.Time
	users  map[string]*User
	tokens map[string]*RefreshRecord
}

func NewMemoryDB(opts ...Option) *MemDB {
	o := buildOptions(opts)
	return &MemDB{now: o.now, users: map[string]*User{}, tokens: map[string]*RefreshRecord{}}
}

func (m *MemDB) Ping(context.Context) error { return nil }

func (m *MemDB) CreateUser(_ context.Context, email, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.users[key]; ok {
		return nil, ErrConflict
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    m.now().UTC().Truncate(time.Second),
	}
	m.users[key] = u
	cp := *u
	return &cp, nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[strings.ToLower(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) UpdatePassword(_ context.Context, id, passwordHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			u.PasswordHash = passwordHash
			return true, nil
		}
	}
	return false, nil
}

func (m *MemDB) DeleteUserByEmail(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.users[key]; !ok {
		return false, nil
	}
	delete(m.users, key)
	return true, nil
}

// SetActive flips the active flag of a user. Used by admin tooling and tests.
func (m *MemDB) SetActive(id string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			u.Active = active
			return true
		}
	}
	return false
}

func (m *MemDB) Record(_ context.Context, rec RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(rec)
}

func (m *MemDB) recordLocked(rec RefreshRecord) error {
	if _, ok := m.tokens[rec.JTI]; ok {
		return ErrConflict
	}
	m.tokens[rec.JTI] = rec.clone()
	return nil
}

func (m *MemDB) Lookup(_ context.Context, jti string) (*RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[jti]; ok {
		return t.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) Revoke(_ context.Context, jti, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeLocked(jti, reason), nil
}

func (m *MemDB) revokeLocked(jti, reason string) bool {
	t, ok := m.tokens[jti]
	if !ok || t.RevokedAt != nil {
		return false
	}
	now := m.now().UTC()
	t.RevokedAt = &now
	t.RevokeReason = StringPtr(reason)
	return true
}

func (m *MemDB) RevokeAll(_ context.Context, userID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, t := range m.tokens {
		if t.UserID == userID && m.revokeLocked(jti, reason) {
			n++
		}
	}
	return n, nil
}

func (m *MemDB) Rotate(_ context.Context, oldJTI, reason string, next RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[next.JTI]; ok {
		return ErrConflict
	}
	if !m.revokeLocked(oldJTI, reason) {
		return ErrAlreadyRevoked
	}
	return m.recordLocked(next)
}

func (m *MemDB) PurgeExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for jti, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, jti)
			n++
		}
	}
	return n, nil
}
