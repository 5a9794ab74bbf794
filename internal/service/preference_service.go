// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chatdesk-go/internal/model"
	"chatdesk-go/internal/repository"
	"chatdesk-go/pkg/log"
)

// PreferenceReader 提供当前生效的用户偏好，会话管理器在每次发送时读取。
type PreferenceReader interface {
	Current() model.UserSettings
}

// PreferenceService 定义了单个用户的偏好读写操作。
type PreferenceService interface {
	PreferenceReader
	// Load 读取持久化的偏好并与默认值逐字段合并，任何读取或解析失败都返回默认值。
	Load(ctx context.Context) model.UserSettings
	// Update 合并 patch 并持久化完整记录。持久化失败时返回 error，但内存中的更新不会回滚。
	Update(ctx context.Context, patch model.SettingsPatch) (model.UserSettings, error)
}

type preferenceService struct {
	repo     repository.PreferenceRepository
	userID   string
	defaults model.UserSettings

	mu      sync.RWMutex
	current model.UserSettings
}

// NewPreferenceService 创建一个新的 PreferenceService，初始值为默认偏好。
func NewPreferenceService(repo repository.PreferenceRepository, userID string, defaults model.UserSettings) PreferenceService {
	return &preferenceService{
		repo:     repo,
		userID:   userID,
		defaults: defaults,
		current:  defaults,
	}
}

func (s *preferenceService) Load(ctx context.Context) model.UserSettings {
	settings := s.defaults

	data, err := s.repo.Load(ctx, s.userID)
	switch {
	case errors.Is(err, repository.ErrPreferencesNotFound):
	case err != nil:
		log.Warnw("读取用户偏好失败，使用默认值", "userID", s.userID, "error", err)
	default:
		// 在默认值之上解码：JSON 中缺失的字段保留默认值
		merged := s.defaults
		if err := json.Unmarshal(data, &merged); err != nil {
			log.Warnw("解析用户偏好失败，使用默认值", "userID", s.userID, "error", err)
		} else {
			settings = merged
		}
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return settings
}

func (s *preferenceService) Update(ctx context.Context, patch model.SettingsPatch) (model.UserSettings, error) {
	s.mu.Lock()
	next := patch.Apply(s.current)
	s.current = next
	s.mu.Unlock()

	if err := s.repo.Save(ctx, s.userID, next); err != nil {
		log.Errorw("持久化用户偏好失败", "userID", s.userID, "error", err)
		return next, fmt.Errorf("failed to persist preferences: %w", err)
	}
	return next, nil
}

func (s *preferenceService) Current() model.UserSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
