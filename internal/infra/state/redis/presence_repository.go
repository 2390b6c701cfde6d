package redisstate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisPresenceRepository 是 PresenceRepository 的 Redis 实现。
// 每个房间一个 Set: <prefix>room:<code>:online，成员为 userId。
type RedisPresenceRepository struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration // 每次写入刷新过期时间，防止实例崩溃后残留
}

// NewRedisPresenceRepository 创建 RedisPresenceRepository
func NewRedisPresenceRepository(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisPresenceRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisPresenceRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cm:"
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisPresenceRepository{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisPresenceRepository) roomOnlineKey(roomCode string) string {
	return fmt.Sprintf("%sroom:%s:online", r.keyPrefix, roomCode)
}

// AddOnline 记录用户在线
func (r *RedisPresenceRepository) AddOnline(ctx context.Context, roomCode, userID string) error {
	key := r.roomOnlineKey(roomCode)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to add %s to %s: %w", userID, key, err)
	}
	return nil
}

// RemoveOnline 移除在线用户，Set 为空时 Redis 会自动删除 key
func (r *RedisPresenceRepository) RemoveOnline(ctx context.Context, roomCode, userID string) error {
	key := r.roomOnlineKey(roomCode)
	if err := r.client.SRem(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("redis: failed to remove %s from %s: %w", userID, key, err)
	}
	return nil
}

// ListOnline 返回房间在线用户，按 userId 排序
func (r *RedisPresenceRepository) ListOnline(ctx context.Context, roomCode string) ([]string, error) {
	key := r.roomOnlineKey(roomCode)
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}
