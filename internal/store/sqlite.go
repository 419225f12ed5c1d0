package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDB stores principals and refresh records in a SQLite file.
// Timestamps are unix seconds.
type SQLiteDB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_superuser INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		jti TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		revoke_reason TEXT,
		ip TEXT,
		user_agent TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_user_id_idx ON refresh_tokens(user_id);`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_expires_at_idx ON refresh_tokens(expires_at);`,
}

// NewSQLiteDB opens path and creates the schema. ":memory:" is accepted.
func NewSQLiteDB(path string, opts ...Option) (*SQLiteDB, error) {
	o := buildOptions(opts)
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection also keeps ":memory:" alive.
	d.SetMaxOpenConns(1)
	d.SetConnMaxLifetime(0)
	s := &SQLiteDB{db: d, path: path, now: o.now}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteDB) Close() error                   { return s.db.Close() }

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteDB) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,email,password_hash,is_active,is_superuser,created_at) VALUES(?,?,?,1,0,?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.Unix())
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrConflict
		}
		return nil, dbError(err)
	}
	return u, nil
}

const sqliteUserColumns = `id,email,password_hash,is_active,is_superuser,created_at`

func scanSQLiteUser(row *sql.Row) (*User, error) {
	var u User
	var active, super int
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &active, &super, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(err)
	}
	u.Active = active != 0
	u.Superuser = super != 0
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) UpdatePassword(ctx context.Context, id, passwordHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *SQLiteDB) DeleteUserByEmail(ctx context.Context, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE email = ?`, email)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *SQLiteDB) Record(ctx context.Context, rec RefreshRecord) error {
	return sqliteInsertRecord(ctx, s.db, rec)
}

func sqliteInsertRecord(ctx context.Context, q DBTX, rec RefreshRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO refresh_tokens(jti,user_id,issued_at,expires_at,ip,user_agent) VALUES(?,?,?,?,?,?)`,
		rec.JTI, rec.UserID, rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(), nullString(rec.IP), nullString(rec.UserAgent))
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrConflict
		}
		return dbError(err)
	}
	return nil
}

func (s *SQLiteDB) Lookup(ctx context.Context, jti string) (*RefreshRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT jti,user_id,issued_at,expires_at,revoked_at,revoke_reason,ip,user_agent FROM refresh_tokens WHERE jti = ?`, jti)
	var rec RefreshRecord
	var issued, expires int64
	var revoked sql.NullInt64
	var reason, ip, ua sql.NullString
	if err := row.Scan(&rec.JTI, &rec.UserID, &issued, &expires, &revoked, &reason, &ip, &ua); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(err)
	}
	rec.IssuedAt = fromUnix(issued)
	rec.ExpiresAt = fromUnix(expires)
	if revoked.Valid {
		t := fromUnix(revoked.Int64)
		rec.RevokedAt = &t
	}
	rec.RevokeReason = fromNullString(reason)
	rec.IP = fromNullString(ip)
	rec.UserAgent = fromNullString(ua)
	return &rec, nil
}

func (s *SQLiteDB) Revoke(ctx context.Context, jti, reason string) (bool, error) {
	return sqliteRevoke(ctx, s.db, s.now(), jti, reason)
}

func sqliteRevoke(ctx context.Context, q DBTX, now time.Time, jti, reason string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, revoke_reason = COALESCE(?, revoke_reason) WHERE jti = ? AND revoked_at IS NULL`,
		now.Unix(), nullString(StringPtr(reason)), jti)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n == 1, err
}

func (s *SQLiteDB) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, revoke_reason = COALESCE(?, revoke_reason) WHERE user_id = ? AND revoked_at IS NULL`,
		s.now().Unix(), nullString(StringPtr(reason)), userID)
	if err != nil {
		return 0, dbError(err)
	}
	return affected(res)
}

func (s *SQLiteDB) Rotate(ctx context.Context, oldJTI, reason string, next RefreshRecord) error {
	now := s.now()
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		changed, err := sqliteRevoke(ctx, tx, now, oldJTI, reason)
		if err != nil {
			return err
		}
		if !changed {
			return ErrAlreadyRevoked
		}
		return sqliteInsertRecord(ctx, tx, next)
	})
}

func (s *SQLiteDB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, purgeCutoff(s.now()))
	if err != nil {
		return 0, dbError(err)
	}
	return affected(res)
}
