// file: services/cache_service.go
package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// 缓存键格式
const (
	cacheKeySession     = "container_session:"    // + session_id
	cacheKeyDynamicFlag = "dynamic_flag:"         // + session_id
	cacheKeyFlagMapping = "dynamic_flag_mapping:" // + challenge_id:owner_tag
	cacheKeyRateLimit   = "container_rate_limit:" // + user_id:challenge_id
)

// KeyValueStore TTL 键值存储抽象：限流标记、会话关联、动态 Flag 映射都走这里
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// RedisStore 基于 go-redis 的 KeyValueStore 实现。
// 缓存失败不影响主流程，所以错误一律吞掉由调用方按缺失处理。
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	s.rdb.SetEx(ctx, key, value, ttl)
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	s.rdb.Del(ctx, key)
}
