package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokens is a revocation store backed by Redis. Each record is a hash;
// a per-user set and an expiry-ordered sorted set index it. Every mutation runs
// as one Lua script, which gives the conditional revoke its atomicity.
//
// The revoke-all and purge scripts derive record keys from set members at run
// time, so the store needs a standalone Redis (or a single-node sentinel
// master) and cannot run against a cluster.
type RedisTokens struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisTokens(rdb *redis.Client, opts ...Option) *RedisTokens {
	o := buildOptions(opts)
	return &RedisTokens{rdb: rdb, prefix: o.prefix, now: o.now}
}

func (r *RedisTokens) recordKey(jti string) string  { return r.prefix + ":rt:" + jti }
func (r *RedisTokens) userKey(userID string) string { return r.prefix + ":rt:user:" + userID }
func (r *RedisTokens) expiryKey() string            { return r.prefix + ":rt:exp" }

func (r *RedisTokens) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// KEYS: record, user set, expiry zset. ARGV: jti, user, iat, exp, ip, ua.
const recordScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "user_id", ARGV[2], "issued_at", ARGV[3], "expires_at", ARGV[4], "ip", ARGV[5], "user_agent", ARGV[6])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`

// KEYS: record. ARGV: now, reason.
const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[1], "revoke_reason", ARGV[2])
end
return 1
`

// KEYS: user set. ARGV: record key prefix, now, reason.
const revokeAllScript = `
local n = 0
for _, jti in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[1] .. jti
  if redis.call("EXISTS", key) == 0 then
    redis.call("SREM", KEYS[1], jti)
  else
    local revoked = redis.call("HGET", key, "revoked_at")
    if not revoked or revoked == "" then
      redis.call("HSET", key, "revoked_at", ARGV[2])
      if ARGV[3] ~= "" then
        redis.call("HSET", key, "revoke_reason", ARGV[3])
      end
      n = n + 1
    end
  end
end
return n
`

// KEYS: old record, new record, new user set, expiry zset.
// ARGV: now, reason, jti, user, iat, exp, ip, ua.
// Returns 1 rotated, 0 old record absent or revoked, 2 new jti exists.
const rotateScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[1], "revoke_reason", ARGV[2])
end
redis.call("HSET", KEYS[2], "user_id", ARGV[4], "issued_at", ARGV[5], "expires_at", ARGV[6], "ip", ARGV[7], "user_agent", ARGV[8])
redis.call("SADD", KEYS[3], ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[6], ARGV[3])
return 1
`

// KEYS: expiry zset. ARGV: record key prefix, user set prefix, now.
const purgeScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[3])
for _, jti in ipairs(expired) do
  local key = ARGV[1] .. jti
  local user = redis.call("HGET", key, "user_id")
  if user then
    redis.call("SREM", ARGV[2] .. user, jti)
  end
  redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], jti)
end
return #expired
`

var (
	recordLua    = redis.NewScript(recordScript)
	revokeLua    = redis.NewScript(revokeScript)
	revokeAllLua = redis.NewScript(revokeAllScript)
	rotateLua    = redis.NewScript(rotateScript)
	purgeLua     = redis.NewScript(purgeScript)
)

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *RedisTokens) recordArgs(rec RefreshRecord) []any {
	return []any{
		rec.JTI, rec.UserID,
		rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(),
		derefString(rec.IP), derefString(rec.UserAgent),
	}
}

func (r *RedisTokens) Record(ctx context.Context, rec RefreshRecord) error {
	keys := []string{r.recordKey(rec.JTI), r.userKey(rec.UserID), r.expiryKey()}
	n, err := recordLua.Run(ctx, r.rdb, keys, r.recordArgs(rec)...).Int64()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *RedisTokens) Lookup(ctx context.Context, jti string) (*RefreshRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, r.recordKey(jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := &RefreshRecord{JTI: jti, UserID: fields["user_id"]}
	if rec.IssuedAt, err = parseUnixField(fields, "issued_at"); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseUnixField(fields, "expires_at"); err != nil {
		return nil, err
	}
	if v := fields["revoked_at"]; v != "" {
		t, err := parseUnixField(fields, "revoked_at")
		if err != nil {
			return nil, err
		}
		rec.RevokedAt = &t
	}
	rec.RevokeReason = StringPtr(fields["revoke_reason"])
	rec.IP = StringPtr(fields["ip"])
	rec.UserAgent = StringPtr(fields["user_agent"])
	return rec, nil
}

func parseUnixField(fields map[string]string, name string) (time.Time, error) {
	sec, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis record field %s: %w", name, err)
	}
	return fromUnix(sec), nil
}

func (r *RedisTokens) Revoke(ctx context.Context, jti, reason string) (bool, error) {
	n, err := revokeLua.Run(ctx, r.rdb, []string{r.recordKey(jti)}, r.now().Unix(), reason).Int64()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n == 1, nil
}

func (r *RedisTokens) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	n, err := revokeAllLua.Run(ctx, r.rdb, []string{r.userKey(userID)},
		r.prefix+":rt:", r.now().Unix(), reason).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return n, nil
}

func (r *RedisTokens) Rotate(ctx context.Context, oldJTI, reason string, next RefreshRecord) error {
	keys := []string{r.recordKey(oldJTI), r.recordKey(next.JTI), r.userKey(next.UserID), r.expiryKey()}
	args := append([]any{r.now().Unix(), reason}, r.recordArgs(next)...)
	n, err := rotateLua.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 2:
		return ErrConflict
	default:
		return ErrAlreadyRevoked
	}
}

func (r *RedisTokens) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := purgeLua.Run(ctx, r.rdb, []string{r.expiryKey()},
		r.prefix+":rt:", r.prefix+":rt:user:", purgeCutoff(r.now())).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return n, nil
}
