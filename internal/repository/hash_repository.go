package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowledge-ingest-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// HashEntry 是内容哈希登记表中的一条记录。
type HashEntry struct {
	URL      string             `json:"url"`
	Metadata model.FileMetadata `json:"metadata"`
}

// HashRegistry 在 Redis 中维护 hash -> 存储位置 的映射，以及跨进程的上传锁。
type HashRegistry interface {
	Get(ctx context.Context, hash string) (*HashEntry, error)
	Put(ctx context.Context, hash string, entry HashEntry) error
	Forget(ctx context.Context, hash string) error
	// Lock 尝试获取该哈希的上传锁，成功时返回用于释放的 token。
	Lock(ctx context.Context, hash string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, hash, token string) error
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisHashRegistry struct {
	redisClient *redis.Client
	newToken    func() string
}

// NewHashRegistry 创建一个新的基于 Redis 的 HashRegistry 实例。
func NewHashRegistry(redisClient *redis.Client, newToken func() string) HashRegistry {
	return &redisHashRegistry{redisClient: redisClient, newToken: newToken}
}

func hashKey(hash string) string {
	return "file:hash:" + hash
}

func lockKey(hash string) string {
	return "file:hash:lock:" + hash
}

// Get 返回登记的存储位置，未登记时返回 nil, nil。
func (r *redisHashRegistry) Get(ctx context.Context, hash string) (*HashEntry, error) {
	raw, err := r.redisClient.Get(ctx, hashKey(hash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hash entry: %w", err)
	}
	var entry HashEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hash entry: %w", err)
	}
	return &entry, nil
}

func (r *redisHashRegistry) Put(ctx context.Context, hash string, entry HashEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal hash entry: %w", err)
	}
	if err := r.redisClient.Set(ctx, hashKey(hash), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set hash entry: %w", err)
	}
	return nil
}

func (r *redisHashRegistry) Forget(ctx context.Context, hash string) error {
	return r.redisClient.Del(ctx, hashKey(hash)).Err()
}

func (r *redisHashRegistry) Lock(ctx context.Context, hash string, ttl time.Duration) (string, bool, error) {
	token := r.newToken()
	ok, err := r.redisClient.SetNX(ctx, lockKey(hash), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire hash lock: %w", err)
	}
	return token, ok, nil
}

func (r *redisHashRegistry) Unlock(ctx context.Context, hash, token string) error {
	return unlockScript.Run(ctx, r.redisClient, []string{lockKey(hash)}, token).Err()
}
