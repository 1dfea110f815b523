package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/pos-override-authority/internal/infra"
)

// INCR и PEXPIRE одним скриптом: параллельные неудачи с разных инстансов не теряются.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return {c, redis.call('PTTL', KEYS[1])}
`)

// RedisStore - общие для всех инстансов счетчики блокировок.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int, time.Time, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{infra.AttemptsKey(key)}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis incr: unexpected reply %v", res)
	}
	return int(res[0]), s.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int, time.Time, error) {
	k := infra.AttemptsKey(key)
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis get: %w", err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis get: %w", err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// Ключ без TTL не должен существовать; считаем его истекшим
		return 0, time.Time{}, nil
	}
	return count, s.now().Add(ttl), nil
}

func (s *RedisStore) Reset(ctx context.Context, keys ...string) error {
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, infra.AttemptsKey(k))
	}
	return s.rdb.Del(ctx, full...).Err()
}
