package claim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "claim:token:"
	orderKeyPrefix = "claim:order:"
)

// consumeScript checks and flips the used flag in one round trip so concurrent consumers
// cannot both succeed.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
  return 'used'
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if tonumber(ARGV[1]) >= expires then
  return 'expired'
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 'ok'
`)

// putScript stores the token hash and claims the order key unless the order already has a
// token. It returns the order's token either way.
var putScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('HSET', KEYS[2], 'order_id', ARGV[2], 'used', '0', 'created_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[2], ARGV[5])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return ARGV[1]
`)

// RedisStore keeps tokens in Redis hashes so they survive restarts and are shared between
// instances. Keys expire once the retention window after token expiry has passed.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisClient parses a redis:// URL and returns a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStore returns a store over client. retention <= 0 means DefaultRetention.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

func tokenKey(token string) string   { return tokenKeyPrefix + token }
func orderKey(orderID string) string { return orderKeyPrefix + orderID }

func (r *RedisStore) PutIfAbsent(ctx context.Context, t Token) (*Token, bool, error) {
	purgeAt := t.ExpiresAt.Add(r.retention)
	keys := []string{orderKey(t.OrderID), tokenKey(t.Token)}
	winner, err := putScript.Run(ctx, r.client, keys,
		t.Token,
		t.OrderID,
		t.CreatedAt.UnixMilli(),
		t.ExpiresAt.UnixMilli(),
		purgeAt.UnixMilli(),
	).Text()
	if err != nil {
		return nil, false, fmt.Errorf("redis put token: %w", err)
	}
	if winner == t.Token {
		return &t, true, nil
	}
	existing, err := r.Get(ctx, winner)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("redis put token: order %s names missing token", t.OrderID)
	}
	return existing, false, nil
}

func (r *RedisStore) Get(ctx context.Context, token string) (*Token, error) {
	fields, err := r.client.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get token: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeToken(token, fields)
}

func (r *RedisStore) ForOrder(ctx context.Context, orderID string) (*Token, error) {
	token, err := r.client.Get(ctx, orderKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get order token: %w", err)
	}
	return r.Get(ctx, token)
}

func (r *RedisStore) Consume(ctx context.Context, token string, now time.Time) (*Token, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{tokenKey(token)}, now.UnixMilli()).Text()
	if err != nil {
		return nil, fmt.Errorf("redis consume token: %w", err)
	}
	switch res {
	case "not_found":
		return nil, ErrNotFound
	case "used":
		return nil, ErrAlreadyUsed
	case "expired":
		return nil, ErrExpired
	}
	t, err := r.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if t == nil {
		// purged between the script and the read
		return nil, ErrNotFound
	}
	return t, nil
}

func decodeToken(token string, fields map[string]string) (*Token, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode token expires_at: %w", err)
	}
	t := &Token{
		Token:     token,
		OrderID:   fields["order_id"],
		Used:      fields["used"] == "1",
		CreatedAt: time.UnixMilli(created),
		ExpiresAt: time.UnixMilli(expires),
	}
	if v := fields["used_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode token used_at: %w", err)
		}
		usedAt := time.UnixMilli(ms)
		t.UsedAt = &usedAt
	}
	return t, nil
}
