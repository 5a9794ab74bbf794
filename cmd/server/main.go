// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatdesk-go/internal/config"
	"chatdesk-go/internal/handler"
	"chatdesk-go/internal/model"
	"chatdesk-go/internal/repository"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/database"
	"chatdesk-go/pkg/kafka"
	"chatdesk-go/pkg/log"
	"chatdesk-go/pkg/responder"
	"chatdesk-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化偏好存储
	var preferenceRepo repository.PreferenceRepository
	switch cfg.Preferences.Backend {
	case "redis":
		if err := database.InitRedis(cfg.Redis); err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		defer database.CloseRedis()
		preferenceRepo = repository.NewRedisPreferenceRepository(database.RDB)
	default:
		log.Warnf("偏好存储使用内存实现 (backend=%q)，重启后偏好会丢失", cfg.Preferences.Backend)
		preferenceRepo = repository.NewMemoryPreferenceRepository()
	}

	// 4. 初始化应答方客户端和解决方案通知落点
	responderClient := responder.NewClient(cfg.Responder)
	var notifier responder.SolutionNotifier = responderClient
	if cfg.Responder.SolutionSink == "kafka" {
		publisher := kafka.NewSolutionPublisher(cfg.Kafka)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error("关闭 Kafka 生产者失败", err)
			}
		}()
		notifier = publisher
	}
	log.Infof("应答方: %s, 解决方案通知: %s", cfg.Responder.BaseURL, cfg.Responder.SolutionSink)

	// 5. 初始化 Service (依赖注入)
	registry := service.NewSessionRegistry(service.RegistryConfig{
		Sender:              responderClient,
		Notifier:            notifier,
		PreferenceRepo:      preferenceRepo,
		DefaultSettings:     model.UserSettings{Language: cfg.Preferences.DefaultLanguage},
		Apologies:           cfg.Session.ApologyMessages,
		EnforceSolutionLock: cfg.Session.EnforceSolutionLock,
		IdleTimeout:         cfg.Session.IdleTimeout,
	})
	evictCtx, stopEviction := context.WithCancel(context.Background())
	defer stopEviction()
	go registry.RunEviction(evictCtx, cfg.Session.EvictInterval)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)

	// 6. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(registry, jwtManager)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 先结束所有会话，取消未完成的应答请求，否则 Shutdown 会一直等待这些请求
	registry.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
