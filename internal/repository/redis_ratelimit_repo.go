package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// hitScript はソート済みセットで1回分の判定と記録を原子的に行う。
// KEYS[1]: キー, ARGV: windowStart(ms), now(ms), maxAttempts, member, ttl(ms)
// 戻り値: {allowed(0/1), count, oldest(ms, 試行なしは-1)}
var hitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest = -1
if #first > 0 then oldest = tonumber(first[2]) end
if count >= tonumber(ARGV[3]) then
  return {0, count, oldest}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if oldest < 0 then oldest = tonumber(ARGV[2]) end
return {1, count + 1, oldest}
`)

// RedisRateLimitRepo はRedisのソート済みセットに試行記録を保存するレート制限ストア。
// 判定はLuaスクリプトで実行するため、同一キーへの同時アクセスでも上限を超えて記録しない。
type RedisRateLimitRepo struct {
	client redis.Scripter
	prefix string
}

// NewRedisRateLimitRepo はRedisRateLimitRepoを生成する。
func NewRedisRateLimitRepo(client redis.Scripter) *RedisRateLimitRepo {
	return &RedisRateLimitRepo{client: client, prefix: "garagegate:ratelimit:"}
}

// Hit は古い試行を削除し、上限未満であれば今回の試行を記録する。
func (r *RedisRateLimitRepo) Hit(ctx context.Context, identifier string, maxAttempts int, windowStart, now time.Time) (RateLimitHit, error) {
	ttl := now.Sub(windowStart)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	res, err := hitScript.Run(ctx, r.client,
		[]string{r.prefix + identifier},
		windowStart.UnixMilli(), now.UnixMilli(), maxAttempts, uuid.NewString(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(res) != 3 {
		return RateLimitHit{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	hit := RateLimitHit{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
	}
	if res[2] >= 0 {
		hit.Oldest = time.UnixMilli(res[2])
	}
	return hit, nil
}

// compile-time interface check
var _ RateLimitRepository = (*RedisRateLimitRepo)(nil)
