package handler

import (
	"net/http"

	"chatdesk-go/internal/middleware"
	"chatdesk-go/internal/model"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// PreferenceHandler 负责处理用户偏好的读取与更新。
type PreferenceHandler struct {
	registry service.SessionRegistry
}

// NewPreferenceHandler 创建一个新的 PreferenceHandler。
func NewPreferenceHandler(registry service.SessionRegistry) *PreferenceHandler {
	return &PreferenceHandler{registry: registry}
}

// GetPreferences 返回当前生效的偏好。
func (h *PreferenceHandler) GetPreferences(c *gin.Context) {
	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	respond(c, http.StatusOK, "success", us.Preferences.Current())
}

// UpdatePreferences 部分更新偏好。持久化失败时内存中的更新仍然生效。
func (h *PreferenceHandler) UpdatePreferences(c *gin.Context) {
	var patch model.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	if patch.Language != nil && !model.IsSupportedLanguage(*patch.Language) {
		respond(c, http.StatusBadRequest, "不支持的语言: "+*patch.Language, nil)
		return
	}

	userID := middleware.UserID(c)
	us := h.registry.Open(c.Request.Context(), userID)
	settings, err := us.Preferences.Update(c.Request.Context(), patch)
	if err != nil {
		log.Warnw("偏好持久化失败", "userID", userID, "error", err)
		respond(c, http.StatusOK, "preferences updated but not persisted", settings)
		return
	}
	respond(c, http.StatusOK, "success", settings)
}
