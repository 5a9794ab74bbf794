// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"chatdesk-go/internal/middleware"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 创建路由引擎并注册所有路由。
func NewRouter(registry service.SessionRegistry, jwtManager *token.JWTManager) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessionHandler := NewSessionHandler(registry)
	preferenceHandler := NewPreferenceHandler(registry)
	streamHandler := NewStreamHandler(registry)

	apiV1 := r.Group("/api/v1")
	{
		// WebSocket 路由单独注册，允许通过查询参数携带 token
		apiV1.GET("/session/stream", middleware.AuthMiddleware(jwtManager, true), streamHandler.Handle)

		authed := apiV1.Group("")
		authed.Use(middleware.AuthMiddleware(jwtManager, false))
		{
			session := authed.Group("/session")
			{
				session.GET("", sessionHandler.GetSession)
				session.DELETE("", sessionHandler.EndSession)
				session.POST("/messages", sessionHandler.SendMessage)
				session.POST("/messages/:id/solution", sessionHandler.MarkAsSolution)
				session.POST("/conversations", sessionHandler.NewChat)
				session.DELETE("/conversations/:id", sessionHandler.DeleteConversation)
				session.PUT("/active", sessionHandler.SwitchConversation)
			}

			authed.GET("/preferences", preferenceHandler.GetPreferences)
			authed.PATCH("/preferences", preferenceHandler.UpdatePreferences)
		}
	}
	return r
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}
