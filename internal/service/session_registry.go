package service

import (
	"context"
	"sync"
	"time"

	"chatdesk-go/internal/metrics"
	"chatdesk-go/internal/model"
	"chatdesk-go/internal/repository"
	"chatdesk-go/pkg/log"
	"chatdesk-go/pkg/responder"
)

// UserSession 将某个调用方的会话管理器与其偏好绑定在一起。
type UserSession struct {
	UserID      string
	Chat        SessionService
	Preferences PreferenceService
}

// SessionRegistry 按调用方 ID 持有会话，首次访问时创建。
type SessionRegistry interface {
	Open(ctx context.Context, userID string) *UserSession
	End(userID string) bool
	// EvictIdle 结束超过空闲时长且没有未完成请求的会话，返回结束的数量。
	EvictIdle() int
	// RunEviction 按 interval 周期调用 EvictIdle，直到 ctx 结束。
	RunEviction(ctx context.Context, interval time.Duration)
	// Close 结束所有会话，用于优雅停机。
	Close()
}

// RegistryConfig 是创建新会话时使用的共享依赖。
type RegistryConfig struct {
	Sender              responder.Sender
	Notifier            responder.SolutionNotifier
	PreferenceRepo      repository.PreferenceRepository
	DefaultSettings     model.UserSettings
	Apologies           map[string]string
	EnforceSolutionLock bool
	// IdleTimeout 为 0 时不淘汰空闲会话
	IdleTimeout time.Duration

	Now func() time.Time
}

type registryEntry struct {
	session  *UserSession
	lastSeen time.Time
}

type sessionRegistry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*registryEntry
}

// NewSessionRegistry 创建一个新的 SessionRegistry 实例。
func NewSessionRegistry(cfg RegistryConfig) SessionRegistry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &sessionRegistry{
		cfg:      cfg,
		sessions: make(map[string]*registryEntry),
	}
}

// Open 返回调用方已有的会话；不存在时创建一个新会话：
// 偏好在启动时读取一次，并自动创建一个空对话。每次访问都会刷新空闲计时。
func (r *sessionRegistry) Open(ctx context.Context, userID string) *UserSession {
	r.mu.Lock()
	if e, ok := r.sessions[userID]; ok {
		e.lastSeen = r.cfg.Now()
		r.mu.Unlock()
		return e.session
	}
	r.mu.Unlock()

	// 在锁外读取偏好，避免存储变慢时阻塞其他用户
	prefs := NewPreferenceService(r.cfg.PreferenceRepo, userID, r.cfg.DefaultSettings)
	prefs.Load(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[userID]; ok {
		e.lastSeen = r.cfg.Now()
		return e.session
	}
	us := &UserSession{
		UserID:      userID,
		Preferences: prefs,
		Chat: NewSessionService(SessionOptions{
			CallerID:            userID,
			Sender:              r.cfg.Sender,
			Notifier:            r.cfg.Notifier,
			Preferences:         prefs,
			Apologies:           r.cfg.Apologies,
			EnforceSolutionLock: r.cfg.EnforceSolutionLock,
		}),
	}
	r.sessions[userID] = &registryEntry{session: us, lastSeen: r.cfg.Now()}
	metrics.ActiveSessions.Inc()
	log.Infow("会话已创建", "userID", userID)
	return us
}

// End 关闭并移除调用方的会话，未完成的请求会被取消。
func (r *sessionRegistry) End(userID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.session.Chat.Close()
	metrics.ActiveSessions.Dec()
	log.Infow("会话已结束", "userID", userID)
	return true
}

func (r *sessionRegistry) EvictIdle() int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.cfg.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var evicted []*UserSession
	for userID, e := range r.sessions {
		if e.lastSeen.After(cutoff) || e.session.Chat.IsLoading() {
			continue
		}
		evicted = append(evicted, e.session)
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	for _, us := range evicted {
		us.Chat.Close()
		metrics.ActiveSessions.Dec()
		metrics.SessionsEvicted.Inc()
		log.Infow("空闲会话已淘汰", "userID", us.UserID)
	}
	return len(evicted)
}

func (r *sessionRegistry) RunEviction(ctx context.Context, interval time.Duration) {
	if r.cfg.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

func (r *sessionRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range sessions {
		e.session.Chat.Close()
		metrics.ActiveSessions.Dec()
	}
	log.Infof("已结束 %d 个会话", len(sessions))
}
