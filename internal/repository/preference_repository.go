// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chatdesk-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ErrPreferencesNotFound 表示该用户尚未持久化过偏好。
var ErrPreferencesNotFound = errors.New("preferences not found")

// PreferenceRepository 定义了用户偏好记录的持久化操作。
// Load 返回原始 JSON，解析与默认值合并由调用方负责。
type PreferenceRepository interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, settings model.UserSettings) error
}

// preferenceKey 是偏好记录在存储中的固定键。
func preferenceKey(userID string) string {
	return fmt.Sprintf("user:%s:user_settings", userID)
}

type redisPreferenceRepository struct {
	redisClient *redis.Client
}

// NewRedisPreferenceRepository 创建一个基于 Redis 的 PreferenceRepository 实例。
func NewRedisPreferenceRepository(redisClient *redis.Client) PreferenceRepository {
	return &redisPreferenceRepository{redisClient: redisClient}
}

// Load 从 Redis 读取偏好记录。
func (r *redisPreferenceRepository) Load(ctx context.Context, userID string) ([]byte, error) {
	data, err := r.redisClient.Get(ctx, preferenceKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrPreferencesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return data, nil
}

// Save 将完整的偏好记录写入 Redis，不设置过期时间。
func (r *redisPreferenceRepository) Save(ctx context.Context, userID string, settings model.UserSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := r.redisClient.Set(ctx, preferenceKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set preferences: %w", err)
	}
	return nil
}

// memoryPreferenceRepository 在进程内保存偏好，用于本地开发和测试。
type memoryPreferenceRepository struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryPreferenceRepository 创建一个基于内存的 PreferenceRepository 实例。
func NewMemoryPreferenceRepository() PreferenceRepository {
	return &memoryPreferenceRepository{records: make(map[string][]byte)}
}

func (r *memoryPreferenceRepository) Load(_ context.Context, userID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.records[preferenceKey(userID)]
	if !ok {
		return nil, ErrPreferencesNotFound
	}
	return append([]byte(nil), data...), nil
}

func (r *memoryPreferenceRepository) Save(_ context.Context, userID string, settings model.UserSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[preferenceKey(userID)] = data
	return nil
}
