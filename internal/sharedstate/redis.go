// Package sharedstate はAPIとワーカーの複数インスタンス間で共有する状態を
// Redisに保存する実装を提供する。プロバイダーのクールダウンと取り込み中断フラグを扱う。
package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/curator/internal/llm"
)

const (
	cooldownKeyPrefix = "curator:cooldown:"
	abortKey          = "curator:scrape:abort"
)

// Connect はREDIS_URLからクライアントを生成し、疎通を確認する。
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisCooldownStore はクールダウンをRedisに保存するllm.CooldownStore。
// キーのTTLをクールダウン期間に合わせるため、期限切れのエントリは自然に消える。
type RedisCooldownStore struct {
	rdb *redis.Client
}

var _ llm.CooldownStore = (*RedisCooldownStore)(nil)

// NewRedisCooldownStore はRedisCooldownStoreを生成する。
func NewRedisCooldownStore(rdb *redis.Client) *RedisCooldownStore {
	return &RedisCooldownStore{rdb: rdb}
}

// Get はクールダウンを返す。キーが存在しない場合はfalseを返す。
func (s *RedisCooldownStore) Get(ctx context.Context, p llm.Provider) (llm.Cooldown, bool, error) {
	raw, err := s.rdb.Get(ctx, cooldownKeyPrefix+string(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return llm.Cooldown{}, false, nil
	}
	if err != nil {
		return llm.Cooldown{}, false, fmt.Errorf("redis get cooldown: %w", err)
	}

	var c llm.Cooldown
	if err := json.Unmarshal(raw, &c); err != nil {
		return llm.Cooldown{}, false, fmt.Errorf("decode cooldown: %w", err)
	}
	return c, true, nil
}

// Set はクールダウンを保存する。TTLはBlockedUntilまでの残り時間。
func (s *RedisCooldownStore) Set(ctx context.Context, p llm.Provider, c llm.Cooldown) error {
	ttl := time.Until(c.BlockedUntil)
	if ttl <= 0 {
		return s.rdb.Del(ctx, cooldownKeyPrefix+string(p)).Err()
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cooldown: %w", err)
	}
	if err := s.rdb.Set(ctx, cooldownKeyPrefix+string(p), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

// RedisAbortFlag は取り込み中断フラグをRedisに保存する。
// 実行を開始したインスタンスと中断要求を受けたインスタンスが異なっても機能する。
type RedisAbortFlag struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAbortFlag はRedisAbortFlagを生成する。
// ttlは立てたまま放置されたフラグが消えるまでの時間。
func NewRedisAbortFlag(rdb *redis.Client, ttl time.Duration) *RedisAbortFlag {
	return &RedisAbortFlag{rdb: rdb, ttl: ttl}
}

// Set は中断フラグを立てる。冪等。
func (f *RedisAbortFlag) Set(ctx context.Context) error {
	if err := f.rdb.Set(ctx, abortKey, "1", f.ttl).Err(); err != nil {
		return fmt.Errorf("redis set abort flag: %w", err)
	}
	return nil
}

// Clear は中断フラグを下ろす。
func (f *RedisAbortFlag) Clear(ctx context.Context) error {
	if err := f.rdb.Del(ctx, abortKey).Err(); err != nil {
		return fmt.Errorf("redis clear abort flag: %w", err)
	}
	return nil
}

// IsSet は中断フラグが立っているかを返す。
func (f *RedisAbortFlag) IsSet(ctx context.Context) (bool, error) {
	n, err := f.rdb.Exists(ctx, abortKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis read abort flag: %w", err)
	}
	return n > 0, nil
}
