// Package database 负责初始化外部存储的客户端连接。
package database

import (
	"context"
	"fmt"

	"chatdesk-go/internal/config"
	"chatdesk-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接，偏好记录存放在这里。
func InitRedis(cfg config.RedisConfig) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	RDB = client
	log.Info("Redis client connected successfully")
	return nil
}

// CloseRedis 关闭 Redis 连接。
func CloseRedis() {
	if RDB == nil {
		return
	}
	if err := RDB.Close(); err != nil {
		log.Error("failed to close redis client", err)
	}
}
