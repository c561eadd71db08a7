package state

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pbparthas/scriptlock/internal/errors"
	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "scriptlock:"

// createScript claims the resource's open pointer with SET NX and writes the
// record in the same script run, so the claim and the insert cannot be split.
var createScript = redis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[1], "NX") then
    return 0
end
redis.call("HSET", KEYS[2],
    "id", ARGV[1], "resource_id", ARGV[2], "owner_id", ARGV[3],
    "project_id", ARGV[4], "file_path", ARGV[5],
    "acquired_at", ARGV[6], "expires_at", ARGV[7], "released", "0")
redis.call("ZADD", KEYS[3], ARGV[7], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[6], ARGV[1])
return 1
`)

// releaseScript releases a lock. When ARGV[3] is set the lock is only
// released if its expiry is not after that cutoff.
var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
if redis.call("HGET", KEYS[1], "released") == "1" then
    return 0
end
if ARGV[3] ~= "" and tonumber(redis.call("HGET", KEYS[1], "expires_at")) > tonumber(ARGV[3]) then
    return 0
end
redis.call("HSET", KEYS[1], "released", "1", "released_at", ARGV[1])
local id = redis.call("HGET", KEYS[1], "id")
local openKey = ARGV[2] .. "open:" .. redis.call("HGET", KEYS[1], "resource_id")
if redis.call("GET", openKey) == id then
    redis.call("DEL", openKey)
end
redis.call("ZREM", KEYS[2], id)
return 1
`)

var extendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local expires = redis.call("HINCRBY", KEYS[1], "expires_at", ARGV[1])
if redis.call("HGET", KEYS[1], "released") == "0" then
    redis.call("ZADD", KEYS[2], expires, redis.call("HGET", KEYS[1], "id"))
end
return expires
`)

var releaseExpiredScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = 0
for _, id in ipairs(ids) do
    local lockKey = ARGV[2] .. "lock:" .. id
    if redis.call("HGET", lockKey, "released") == "0" then
        redis.call("HSET", lockKey, "released", "1", "released_at", ARGV[1])
        local openKey = ARGV[2] .. "open:" .. redis.call("HGET", lockKey, "resource_id")
        if redis.call("GET", openKey) == id then
            redis.call("DEL", openKey)
        end
        count = count + 1
    end
    redis.call("ZREM", KEYS[1], id)
end
return count
`)

// RedisStore provides lease storage using Redis. Locks are hashes under
// <prefix>lock:<id>; <prefix>open:<resource> points at the unreleased lock;
// <prefix>expiry indexes unreleased locks by expiry and
// <prefix>history:<resource> indexes every lock by acquisition time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedis returns a RedisStore using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) lockKey(id string) string            { return s.prefix + "lock:" + id }
func (s *RedisStore) openKey(resourceID string) string    { return s.prefix + "open:" + resourceID }
func (s *RedisStore) historyKey(resourceID string) string { return s.prefix + "history:" + resourceID }
func (s *RedisStore) expiryKey() string                   { return s.prefix + "expiry" }

// CreateLock inserts a new lock. It fails with errors.ErrLockHeld when the
// resource already has an unreleased lock.
func (s *RedisStore) CreateLock(ctx context.Context, l *Lock) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.normalize()

	keys := []string{s.openKey(l.ResourceID), s.lockKey(l.ID), s.expiryKey(), s.historyKey(l.ResourceID)}
	created, err := createScript.Run(ctx, s.client, keys,
		l.ID, l.ResourceID, l.OwnerID, l.ProjectID, l.FilePath,
		toMillis(l.AcquiredAt), toMillis(l.ExpiresAt),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to create lock: %w", err)
	}
	if created == 0 {
		return errors.ErrLockHeld
	}

	l.Released = false
	l.ReleasedAt = nil
	return nil
}

// GetLock retrieves a lock by ID.
func (s *RedisStore) GetLock(ctx context.Context, id string) (*Lock, error) {
	fields, err := s.client.HGetAll(ctx, s.lockKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.ErrLockNotFound
	}
	l, err := parseLockHash(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lock %s: %w", id, err)
	}
	return l, nil
}

// GetOpenLock returns the unreleased lock for a resource, whether or not it
// has expired.
func (s *RedisStore) GetOpenLock(ctx context.Context, resourceID string) (*Lock, error) {
	id, err := s.client.Get(ctx, s.openKey(resourceID)).Result()
	if err == redis.Nil {
		return nil, errors.ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open lock: %w", err)
	}

	l, err := s.GetLock(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Released {
		// Released between the two reads
		return nil, errors.ErrLockNotFound
	}
	return l, nil
}

// ReleaseLock marks a lock released. Only the first release stamps released_at.
func (s *RedisStore) ReleaseLock(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.release(ctx, id, toMillis(at), "")
}

// ReleaseExpiredLock releases the lock only if it is still open and expired at now.
func (s *RedisStore) ReleaseExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	ms := toMillis(now)
	return s.release(ctx, id, ms, strconv.FormatInt(ms, 10))
}

func (s *RedisStore) release(ctx context.Context, id string, at int64, cutoff string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client,
		[]string{s.lockKey(id), s.expiryKey()}, at, s.prefix, cutoff,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	switch res {
	case -1:
		return false, errors.ErrLockNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// ExtendLock pushes expires_at forward from its current value.
func (s *RedisStore) ExtendLock(ctx context.Context, id string, by time.Duration) (*Lock, error) {
	res, err := extendScript.Run(ctx, s.client,
		[]string{s.lockKey(id), s.expiryKey()}, by.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to extend lock: %w", err)
	}
	if res == -1 {
		return nil, errors.ErrLockNotFound
	}
	return s.GetLock(ctx, id)
}

// ReleaseExpired releases every unreleased lock whose expiry is not after now.
func (s *RedisStore) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := releaseExpiredScript.Run(ctx, s.client,
		[]string{s.expiryKey()}, toMillis(now), s.prefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return n, nil
}

// ListExpiring returns unreleased locks with from < expires_at <= to, soonest first.
func (s *RedisStore) ListExpiring(ctx context.Context, from, to time.Time) ([]*Lock, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(toMillis(from), 10),
		Max: strconv.FormatInt(toMillis(to), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring locks: %w", err)
	}
	return s.loadUnreleased(ctx, ids, "")
}

// ListActive returns locks active at now, optionally restricted to a project.
func (s *RedisStore) ListActive(ctx context.Context, now time.Time, projectID string) ([]*Lock, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(toMillis(now), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}

	locks, err := s.loadUnreleased(ctx, ids, projectID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(locks, func(i, j int) bool {
		return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
	})
	return locks, nil
}

// ListHistory returns all locks ever taken on a resource, newest first.
func (s *RedisStore) ListHistory(ctx context.Context, resourceID string, limit int) ([]*Lock, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.historyKey(resourceID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history locks: %w", err)
	}
	return s.loadLocks(ctx, ids)
}

// loadUnreleased loads locks by id, skipping released ones and, when
// projectID is set, those from other projects.
func (s *RedisStore) loadUnreleased(ctx context.Context, ids []string, projectID string) ([]*Lock, error) {
	all, err := s.loadLocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	locks := all[:0]
	for _, l := range all {
		if l.Released {
			continue
		}
		if projectID != "" && l.ProjectID != projectID {
			continue
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func (s *RedisStore) loadLocks(ctx context.Context, ids []string) ([]*Lock, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.lockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load locks: %w", err)
	}

	locks := make([]*Lock, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		l, err := parseLockHash(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lock %s: %w", ids[i], err)
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func parseLockHash(fields map[string]string) (*Lock, error) {
	acquiredAt, err := strconv.ParseInt(fields["acquired_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("acquired_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}

	l := &Lock{
		ID:         fields["id"],
		ResourceID: fields["resource_id"],
		OwnerID:    fields["owner_id"],
		ProjectID:  fields["project_id"],
		FilePath:   fields["file_path"],
		AcquiredAt: fromMillis(acquiredAt),
		ExpiresAt:  fromMillis(expiresAt),
		Released:   fields["released"] == "1",
	}
	if v, ok := fields["released_at"]; ok && v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("released_at: %w", err)
		}
		t := fromMillis(ms)
		l.ReleasedAt = &t
	}
	return l, nil
}
