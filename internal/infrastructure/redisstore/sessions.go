package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] = session key, KEYS[2] = user set, KEYS[3] = active index
// ARGV: id, user_id, token, client_address, state, created_at_ms, last_activity_at_ms,
// refresh_hash, refresh_expires_at_ms
var createSessionLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "user_id", ARGV[2], "token", ARGV[3], "client_address", ARGV[4],
  "state", ARGV[5], "created_at", ARGV[6], "last_activity_at", ARGV[7], "reset_token", "",
  "refresh_hash", ARGV[8], "refresh_expires_at", ARGV[9])
redis.call("SADD", KEYS[2], ARGV[3])
if ARGV[5] == "ACTIVE" then
  redis.call("ZADD", KEYS[3], ARGV[7], ARGV[3])
end
return 1
`)

// KEYS[1] = session key, KEYS[2] = active index; ARGV[1] = token, ARGV[2] = at_ms
var touchSessionLua = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "ACTIVE" then
  return 0
end
local last = tonumber(redis.call("HGET", KEYS[1], "last_activity_at"))
if tonumber(ARGV[2]) < last then
  return 0
end
redis.call("HSET", KEYS[1], "last_activity_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// The scripts below touch the reset token key, whose name depends on the
// token stored in the session. The caller reads it first and passes the key
// in KEYS; a script returns -1 when the stored token no longer matches ARGV.

// Moves an ACTIVE session to a terminal state and drops its reset token and
// refresh secret. When ARGV[3] is set the session must also have been idle
// since before that instant.
// KEYS[1] = session key, KEYS[2] = active index, KEYS[3] = reset key
// ARGV[1] = token, ARGV[2] = target state, ARGV[3] = cutoff_ms or "", ARGV[4] = expected reset token
var terminateSessionLua = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "ACTIVE" then
  return 0
end
if (redis.call("HGET", KEYS[1], "reset_token") or "") ~= ARGV[4] then
  return -1
end
if ARGV[3] ~= "" then
  local last = tonumber(redis.call("HGET", KEYS[1], "last_activity_at"))
  if last >= tonumber(ARGV[3]) then
    return 0
  end
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "reset_token", "", "refresh_hash", "")
redis.call("ZREM", KEYS[2], ARGV[1])
if ARGV[4] ~= "" then
  redis.call("DEL", KEYS[3])
end
return 1
`)

// KEYS[1] = session key, KEYS[2] = current reset key, KEYS[3] = new reset key
// ARGV[1] = token, ARGV[2] = new reset token, ARGV[3] = expected reset token
var setResetTokenLua = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "ACTIVE" then
  return 0
end
if (redis.call("HGET", KEYS[1], "reset_token") or "") ~= ARGV[3] then
  return -1
end
if ARGV[3] ~= "" then
  redis.call("DEL", KEYS[2])
end
redis.call("HSET", KEYS[1], "reset_token", ARGV[2])
redis.call("SET", KEYS[3], ARGV[1])
return 1
`)

// KEYS[1] = session key, KEYS[2] = reset key; ARGV[1] = expected reset token
var clearResetTokenLua = redis.NewScript(`
if (redis.call("HGET", KEYS[1], "reset_token") or "") ~= ARGV[1] then
  return -1
end
if ARGV[1] ~= "" then
  redis.call("DEL", KEYS[2])
  redis.call("HSET", KEYS[1], "reset_token", "")
end
return 1
`)

// Replaces the refresh secret of an ACTIVE session while the presented one is
// current and unexpired.
// KEYS[1] = session key
// ARGV[1] = current hash, ARGV[2] = new hash, ARGV[3] = new expires_at_ms, ARGV[4] = at_ms
var rotateRefreshLua = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "ACTIVE" then
  return 0
end
local current = redis.call("HGET", KEYS[1], "refresh_hash")
if not current or current == "" or current ~= ARGV[1] then
  return 0
end
local expires = tonumber(redis.call("HGET", KEYS[1], "refresh_expires_at"))
if not expires or expires < tonumber(ARGV[4]) then
  return 0
end
redis.call("HSET", KEYS[1], "refresh_hash", ARGV[2], "refresh_expires_at", ARGV[3])
return 1
`)

// staleResetToken is returned by a script whose expected reset token was replaced.
const staleResetToken = -1

const resetTokenAttempts = 3

// SessionStore implements the session store on Redis, keyed by session token id.
type SessionStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewSessionStore(rdb redis.UniversalClient, prefix string) *SessionStore {
	return &SessionStore{rdb: rdb, prefix: prefix}
}

func (s *SessionStore) sessionKey(token string) string { return s.prefix + "sess:" + token }
func (s *SessionStore) userKey(userID string) string { return s.prefix + "sess:user:" + userID }
func (s *SessionStore) activeKey() string { return s.prefix + "sess:active" }
func (s *SessionStore) resetKey(resetToken string) string {
	return s.prefix + "sess:reset:" + resetToken
}

func (s *SessionStore) Create(ctx context.Context, sess *domain.Session) error {
	n, err := createSessionLua.Run(ctx, s.rdb,
		[]string{s.sessionKey(sess.SessionTokenID), s.userKey(sess.UserID), s.activeKey()},
		sess.ID, sess.UserID, sess.SessionTokenID, sess.ClientAddress, string(sess.State),
		toMillis(sess.CreatedAt), toMillis(sess.LastActivityAt),
		sess.RefreshHash, optionalMillis(sess.RefreshExpiresAt),
	).Int()
	if err != nil {
		return storageErr("create session", err)
	}
	if n == 0 {
		return fmt.Errorf("session token already tracked: %w", domain.ErrConflict)
	}
	return nil
}

func (s *SessionStore) GetByToken(ctx context.Context, tokenID string) (*domain.Session, error) {
	h, err := s.rdb.HGetAll(ctx, s.sessionKey(tokenID)).Result()
	if err != nil {
		return nil, storageErr("get session", err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	sess, err := decodeSession(h)
	if err != nil {
		return nil, storageErr("decode session", err)
	}
	return &sess, nil
}

func (s *SessionStore) GetByResetToken(ctx context.Context, resetToken string) (*domain.Session, error) {
	if resetToken == "" {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	tokenID, err := s.rdb.Get(ctx, s.resetKey(resetToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get reset token", err)
	}
	sess, err := s.GetByToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if sess.ResetToken != resetToken {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return sess, nil
}

func (s *SessionStore) Touch(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	n, err := touchSessionLua.Run(ctx, s.rdb, []string{s.sessionKey(tokenID), s.activeKey()}, tokenID, toMillis(at)).Int()
	if err != nil {
		return false, storageErr("touch session", err)
	}
	return n == 1, nil
}

func (s *SessionStore) Transition(ctx context.Context, tokenID string, to domain.SessionState) (bool, error) {
	if !to.Terminal() {
		return false, nil
	}
	return s.terminate(ctx, tokenID, to, "")
}

func (s *SessionStore) ExpireIdle(ctx context.Context, tokenID string, cutoff time.Time) (bool, error) {
	return s.terminate(ctx, tokenID, domain.SessionExpired, fmt.Sprint(toMillis(cutoff)))
}

func (s *SessionStore) terminate(ctx context.Context, tokenID string, to domain.SessionState, cutoff string) (bool, error) {
	n, err := s.withResetToken(ctx, tokenID, "terminate session", func(rt string) *redis.Cmd {
		return terminateSessionLua.Run(ctx, s.rdb,
			[]string{s.sessionKey(tokenID), s.activeKey(), s.resetKey(rt)},
			tokenID, string(to), cutoff, rt)
	})
	return n == 1, err
}

func (s *SessionStore) ListIdle(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	tokens, err := s.rdb.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{Min: "-inf", Max: exclusiveMax(cutoff)}).Result()
	if err != nil {
		return nil, storageErr("list idle sessions", err)
	}
	return s.load(ctx, tokens, func(sess domain.Session) bool {
		return sess.Active() && sess.LastActivityAt.Before(cutoff)
	})
}

func (s *SessionStore) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	tokens, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, storageErr("list user sessions", err)
	}
	return s.load(ctx, tokens, func(sess domain.Session) bool { return sess.Active() })
}

func (s *SessionStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	active, err := s.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (s *SessionStore) SetResetToken(ctx context.Context, tokenID, resetToken string) (bool, error) {
	n, err := s.withResetToken(ctx, tokenID, "set reset token", func(rt string) *redis.Cmd {
		return setResetTokenLua.Run(ctx, s.rdb,
			[]string{s.sessionKey(tokenID), s.resetKey(rt), s.resetKey(resetToken)},
			tokenID, resetToken, rt)
	})
	return n == 1, err
}

func (s *SessionStore) ClearResetToken(ctx context.Context, tokenID string) error {
	_, err := s.withResetToken(ctx, tokenID, "clear reset token", func(rt string) *redis.Cmd {
		return clearResetTokenLua.Run(ctx, s.rdb, []string{s.sessionKey(tokenID), s.resetKey(rt)}, rt)
	})
	return err
}

func (s *SessionStore) RotateRefresh(ctx context.Context, tokenID, currentHash, newHash string, expiresAt, at time.Time) (bool, error) {
	n, err := rotateRefreshLua.Run(ctx, s.rdb, []string{s.sessionKey(tokenID)},
		currentHash, newHash, toMillis(expiresAt), toMillis(at)).Int()
	if err != nil {
		return false, storageErr("rotate refresh secret", err)
	}
	return n == 1, nil
}

// withResetToken reads the session's reset token and runs script with it,
// retrying when the token changed between the read and the script.
func (s *SessionStore) withResetToken(ctx context.Context, tokenID, op string, script func(resetToken string) *redis.Cmd) (int, error) {
	for attempt := 0; attempt < resetTokenAttempts; attempt++ {
		rt, err := s.rdb.HGet(ctx, s.sessionKey(tokenID), "reset_token").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, storageErr(op, err)
		}
		n, err := script(rt).Int()
		if err != nil {
			return 0, storageErr(op, err)
		}
		if n != staleResetToken {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s: reset token changed concurrently: %w", op, domain.ErrConflict)
}

// load fetches sessions in one pipeline and returns the kept ones, most recent activity first.
func (s *SessionStore) load(ctx context.Context, tokens []string, keep func(domain.Session) bool) ([]domain.Session, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	for i, t := range tokens {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("load sessions", err)
	}
	var out []domain.Session
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		sess, err := decodeSession(h)
		if err != nil {
			return nil, storageErr("decode session", err)
		}
		if keep(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func decodeSession(h map[string]string) (domain.Session, error) {
	created, err := fromMillis(h["created_at"])
	if err != nil {
		return domain.Session{}, fmt.Errorf("created_at: %w", err)
	}
	last, err := fromMillis(h["last_activity_at"])
	if err != nil {
		return domain.Session{}, fmt.Errorf("last_activity_at: %w", err)
	}
	var refreshExpires time.Time
	if v := h["refresh_expires_at"]; v != "" && v != "0" {
		if refreshExpires, err = fromMillis(v); err != nil {
			return domain.Session{}, fmt.Errorf("refresh_expires_at: %w", err)
		}
	}
	return domain.Session{
		ID:               h["id"],
		UserID:           h["user_id"],
		SessionTokenID:   h["token"],
		ClientAddress:    h["client_address"],
		State:            domain.SessionState(h["state"]),
		CreatedAt:        created,
		LastActivityAt:   last,
		ResetToken:       h["reset_token"],
		RefreshHash:      h["refresh_hash"],
		RefreshExpiresAt: refreshExpires,
	}, nil
}
