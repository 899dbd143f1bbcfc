package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/redis/go-redis/v9"
)

// insertVerificationLua writes the record hash and both indices unless the id exists.
// KEYS[1] = record key, KEYS[2] = user/purpose index, KEYS[3] = expiry index
// ARGV: id, user_id, code, purpose, created_at_ms, expires_at_ms, consumed
var insertVerificationLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "user_id", ARGV[2], "code", ARGV[3], "purpose", ARGV[4],
  "created_at", ARGV[5], "expires_at", ARGV[6], "consumed", ARGV[7])
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[1])
return 1
`)

// consumeVerificationLua flips consumed 0 -> 1 when the deadline has not passed.
// KEYS[1] = record key; ARGV[1] = now_ms
var consumeVerificationLua = redis.NewScript(`
local consumed = redis.call("HGET", KEYS[1], "consumed")
if consumed ~= "0" then
  return 0
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if not expires or expires < tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "consumed", "1")
return 1
`)

// invalidateVerificationLua flips consumed 0 -> 1 regardless of expiry.
// KEYS[1] = record key
var invalidateVerificationLua = redis.NewScript(`
if redis.call("HGET", KEYS[1], "consumed") ~= "0" then
  return 0
end
redis.call("HSET", KEYS[1], "consumed", "1")
return 1
`)

// deleteVerificationLua removes the record and its index entries.
// KEYS[1] = record key, KEYS[2] = user/purpose index, KEYS[3] = expiry index
// ARGV[1] = id
var deleteVerificationLua = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return 1
`)

// VerificationStore implements the verification record store on Redis.
type VerificationStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewVerificationStore(rdb redis.UniversalClient, prefix string) *VerificationStore {
	return &VerificationStore{rdb: rdb, prefix: prefix}
}

func (s *VerificationStore) recordKey(id string) string { return s.prefix + "ver:" + id }
func (s *VerificationStore) expiryKey() string { return s.prefix + "ver:exp" }
func (s *VerificationStore) pairKey(userID string, p domain.Purpose) string {
	return s.prefix + "ver:up:" + userID + ":" + string(p)
}

func (s *VerificationStore) Insert(ctx context.Context, v *domain.VerificationRecord) error {
	consumed := "0"
	if v.Consumed {
		consumed = "1"
	}
	n, err := insertVerificationLua.Run(ctx, s.rdb,
		[]string{s.recordKey(v.ID), s.pairKey(v.UserID, v.Purpose), s.expiryKey()},
		v.ID, v.UserID, v.Code, string(v.Purpose), toMillis(v.CreatedAt), toMillis(v.ExpiresAt), consumed,
	).Int()
	if err != nil {
		return storageErr("insert verification", err)
	}
	if n == 0 {
		return fmt.Errorf("verification %s already exists: %w", v.ID, domain.ErrConflict)
	}
	return nil
}

func (s *VerificationStore) FindByCode(ctx context.Context, userID, code string, purpose domain.Purpose) (*domain.VerificationRecord, error) {
	recs, err := s.pair(ctx, userID, purpose)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Code == code {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("verification not found: %w", domain.ErrNotFound)
}

func (s *VerificationStore) ListUnconsumed(ctx context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error) {
	recs, err := s.pair(ctx, userID, purpose)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if !r.Consumed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *VerificationStore) ListExpiredBefore(ctx context.Context, ts time.Time) ([]domain.VerificationRecord, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{Min: "-inf", Max: exclusiveMax(ts)}).Result()
	if err != nil {
		return nil, storageErr("list expired verifications", err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Newer(&recs[j]) })
	return recs, nil
}

func (s *VerificationStore) Delete(ctx context.Context, v *domain.VerificationRecord) error {
	err := deleteVerificationLua.Run(ctx, s.rdb,
		[]string{s.recordKey(v.ID), s.pairKey(v.UserID, v.Purpose), s.expiryKey()}, v.ID).Err()
	if err != nil {
		return storageErr("delete verification", err)
	}
	return nil
}

// DeleteExpiredBefore deletes record by record; a failed delete does not stop the rest.
func (s *VerificationStore) DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error) {
	expired, err := s.ListExpiredBefore(ctx, ts)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for i := range expired {
		if err := s.Delete(ctx, &expired[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *VerificationStore) Consume(ctx context.Context, v *domain.VerificationRecord, at time.Time) (bool, error) {
	n, err := consumeVerificationLua.Run(ctx, s.rdb, []string{s.recordKey(v.ID)}, toMillis(at)).Int()
	if err != nil {
		return false, storageErr("consume verification", err)
	}
	return n == 1, nil
}

func (s *VerificationStore) Invalidate(ctx context.Context, v *domain.VerificationRecord) (bool, error) {
	n, err := invalidateVerificationLua.Run(ctx, s.rdb, []string{s.recordKey(v.ID)}).Int()
	if err != nil {
		return false, storageErr("invalidate verification", err)
	}
	return n == 1, nil
}

// pair loads every record for (userID, purpose), newest first.
func (s *VerificationStore) pair(ctx context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.pairKey(userID, purpose), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list verifications", err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Newer(&recs[j]) })
	return recs, nil
}

// load fetches record hashes in one pipeline, skipping ids whose hash is gone.
func (s *VerificationStore) load(ctx context.Context, ids []string) ([]domain.VerificationRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("load verifications", err)
	}
	out := make([]domain.VerificationRecord, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		rec, err := decodeVerification(h)
		if err != nil {
			return nil, storageErr("decode verification", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeVerification(h map[string]string) (domain.VerificationRecord, error) {
	created, err := fromMillis(h["created_at"])
	if err != nil {
		return domain.VerificationRecord{}, fmt.Errorf("created_at: %w", err)
	}
	expires, err := fromMillis(h["expires_at"])
	if err != nil {
		return domain.VerificationRecord{}, fmt.Errorf("expires_at: %w", err)
	}
	consumed, err := strconv.ParseBool(h["consumed"])
	if err != nil {
		return domain.VerificationRecord{}, fmt.Errorf("consumed: %w", err)
	}
	return domain.VerificationRecord{
		ID:        h["id"],
		UserID:    h["user_id"],
		Code:      h["code"],
		Purpose:   domain.Purpose(h["purpose"]),
		CreatedAt: created,
		ExpiresAt: expires,
		Consumed:  consumed,
	}, nil
}
