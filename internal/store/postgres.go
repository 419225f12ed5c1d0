package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// PostgresDB is the production adapter. The schema is owned by the migrations.
type PostgresDB struct {
	db  *sql.DB
	dsn string
	now func() time.Time
}

func NewPostgresDB(dsn string, opts ...Option) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(10)
	d.SetMaxIdleConns(5)
	d.SetConnMaxIdleTime(5 * time.Minute)
	p := NewPostgresDBWithConn(d, opts...)
	p.dsn = dsn
	// rely on migrations to create tables; just verify connectivity
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresDBWithConn wraps an already opened handle.
func NewPostgresDBWithConn(db *sql.DB, opts ...Option) *PostgresDB {
	o := buildOptions(opts)
	return &PostgresDB{db: db, now: o.now}
}

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresDB) Close() error                   { return p.db.Close() }

func isPGUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func (p *PostgresDB) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, Active: true}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(id,email,password_hash) VALUES($1,$2,$3) RETURNING created_at`,
		u.ID, email, passwordHash).Scan(&u.CreatedAt)
	if err != nil {
		if isPGUnique(err) {
			return nil, ErrConflict
		}
		return nil, dbError(err)
	}
	return u, nil
}

const pgUserColumns = `id,email,password_hash,is_active,is_superuser,created_at`

func scanPGUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.Superuser, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(err)
	}
	return &u, nil
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return scanPGUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanPGUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) UpdatePassword(ctx context.Context, id, passwordHash string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (p *PostgresDB) DeleteUserByEmail(ctx context.Context, email string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE email = $1`, email)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (p *PostgresDB) Record(ctx context.Context, rec RefreshRecord) error {
	return pgInsertRecord(ctx, p.db, rec)
}

func pgInsertRecord(ctx context.Context, q DBTX, rec RefreshRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO refresh_tokens(jti,user_id,issued_at,expires_at,ip,user_agent) VALUES($1,$2,$3,$4,$5,$6)`,
		rec.JTI, rec.UserID, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(), nullString(rec.IP), nullString(rec.UserAgent))
	if err != nil {
		if isPGUnique(err) {
			return ErrConflict
		}
		return dbError(err)
	}
	return nil
}

func (p *PostgresDB) Lookup(ctx context.Context, jti string) (*RefreshRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT jti,user_id,issued_at,expires_at,revoked_at,revoke_reason,ip,user_agent FROM refresh_tokens WHERE jti = $1`, jti)
	var rec RefreshRecord
	var revoked sql.NullTime
	var reason, ip, ua sql.NullString
	if err := row.Scan(&rec.JTI, &rec.UserID, &rec.IssuedAt, &rec.ExpiresAt, &revoked, &reason, &ip, &ua); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(err)
	}
	if revoked.Valid {
		t := revoked.Time
		rec.RevokedAt = &t
	}
	rec.RevokeReason = fromNullString(reason)
	rec.IP = fromNullString(ip)
	rec.UserAgent = fromNullString(ua)
	return &rec, nil
}

func (p *PostgresDB) Revoke(ctx context.Context, jti, reason string) (bool, error) {
	return pgRevoke(ctx, p.db, p.now(), jti, reason)
}

func pgRevoke(ctx context.Context, q DBTX, now time.Time, jti, reason string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revoke_reason = COALESCE($2, revoke_reason) WHERE jti = $3 AND revoked_at IS NULL`,
		now.UTC(), nullString(StringPtr(reason)), jti)
	if err != nil {
		return false, dbError(err)
	}
	n, err := affected(res)
	return n == 1, err
}

func (p *PostgresDB) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revoke_reason = COALESCE($2, revoke_reason) WHERE user_id = $3 AND revoked_at IS NULL`,
		p.now().UTC(), nullString(StringPtr(reason)), userID)
	if err != nil {
		return 0, dbError(err)
	}
	return affected(res)
}

// Rotate runs the conditional revoke and the insert in one transaction. Under
// READ COMMITTED a concurrent rotation blocks on the row lock and then sees
// revoked_at set, so exactly one caller changes the row.
func (p *PostgresDB) Rotate(ctx context.Context, oldJTI, reason string, next RefreshRecord) error {
	now := p.now()
	return WithTx(ctx, p.db, nil, func(ctx context.Context, tx DBTX) error {
		changed, err := pgRevoke(ctx, tx, now, oldJTI, reason)
		if err != nil {
			return err
		}
		if !changed {
			return ErrAlreadyRevoked
		}
		return pgInsertRecord(ctx, tx, next)
	})
}

func (p *PostgresDB) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, p.now().UTC())
	if err != nil {
		return 0, dbError(err)
	}
	return affected(res)
}
