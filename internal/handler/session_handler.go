package handler

import (
	"context"
	"net/http"

	"chatdesk-go/internal/middleware"
	"chatdesk-go/internal/model"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责处理会话相关的 API 请求，每个调用方对应一个会话管理器。
type SessionHandler struct {
	registry service.SessionRegistry
}

// NewSessionHandler 创建一个新的 SessionHandler。
func NewSessionHandler(registry service.SessionRegistry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// SendMessageRequest 定义了发送消息 API 的请求体结构。
type SendMessageRequest struct {
	Content string `json:"content"`
	Image   string `json:"image"`
}

// SwitchConversationRequest 定义了切换活动对话 API 的请求体结构。
type SwitchConversationRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

// GetSession 返回调用方会话的当前快照。
func (h *SessionHandler) GetSession(c *gin.Context) {
	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	respond(c, http.StatusOK, "success", us.Chat.Snapshot())
}

// SendMessage 发送一条消息并等待应答回填完成后返回结果。
func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("SendMessage: invalid request payload, error: %v", err)
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}

	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	// 应答属于会话而不是这次 HTTP 请求，客户端断开时不取消
	ctx := context.WithoutCancel(c.Request.Context())
	out := us.Chat.SendMessage(ctx, req.Content, req.Image)
	respondOutcome(c, out)
}

// NewChat 新建一个空对话并设为活动对话。
func (h *SessionHandler) NewChat(c *gin.Context) {
	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	respond(c, http.StatusCreated, "success", us.Chat.NewChat())
}

// SwitchConversation 切换活动对话。有请求未完成时返回 409。
func (h *SessionHandler) SwitchConversation(c *gin.Context) {
	var req SwitchConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "conversation_id 不能为空", nil)
		return
	}

	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	if !us.Chat.SwitchConversation(req.ConversationID) {
		if us.Chat.IsLoading() {
			respond(c, http.StatusConflict, "请求进行中，暂不能切换对话", nil)
			return
		}
		respond(c, http.StatusNotFound, "对话不存在", nil)
		return
	}
	respond(c, http.StatusOK, "success", us.Chat.Snapshot())
}

// DeleteConversation 删除指定对话。
func (h *SessionHandler) DeleteConversation(c *gin.Context) {
	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	if !us.Chat.DeleteConversation(c.Param("id")) {
		respond(c, http.StatusNotFound, "对话不存在", nil)
		return
	}
	respond(c, http.StatusOK, "success", us.Chat.Snapshot())
}

// MarkAsSolution 将活动对话中的一条 assistant 消息标记为解决方案。
func (h *SessionHandler) MarkAsSolution(c *gin.Context) {
	us := h.registry.Open(c.Request.Context(), middleware.UserID(c))
	out := us.Chat.MarkAsSolution(c.Request.Context(), c.Param("id"))
	respondOutcome(c, out)
}

// EndSession 结束调用方的会话，未完成的请求会被取消。
func (h *SessionHandler) EndSession(c *gin.Context) {
	ended := h.registry.End(middleware.UserID(c))
	respond(c, http.StatusOK, "success", gin.H{"ended": ended})
}

func respondOutcome(c *gin.Context, out model.Outcome) {
	switch out.Status {
	case model.OutcomeReplied, model.OutcomeFailed, model.OutcomeMarked:
		respond(c, http.StatusOK, string(out.Status), out)
	case model.OutcomeLocked, model.OutcomeDiscarded:
		respond(c, http.StatusConflict, out.Reason, out)
	default:
		respond(c, http.StatusBadRequest, out.Reason, out)
	}
}
