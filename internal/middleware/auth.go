// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"chatdesk-go/pkg/log"
	"chatdesk-go/pkg/token"

	"github.com/gin-gonic/gin"
)

const (
	// ContextUserID 是存放调用方用户 ID 的 gin 上下文键。
	ContextUserID = "userID"
	// ContextClaims 是存放完整 claims 的 gin 上下文键。
	ContextClaims = "claims"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从 Authorization 请求头中提取 token；浏览器的 WebSocket 无法设置请求头，
// 因此 allowQuery 为 true 时也接受 ?token= 查询参数。
func AuthMiddleware(jwtManager *token.JWTManager, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c, allowQuery)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    http.StatusUnauthorized,
				"message": "请求未包含有效的授权信息",
				"data":    nil,
			})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnf("AuthMiddleware: token 校验失败, path=%s, err=%v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    http.StatusUnauthorized,
				"message": "无效或已过期的 token",
				"data":    nil,
			})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

func extractToken(c *gin.Context, allowQuery bool) (string, bool) {
	// Token 通常以 "Bearer <token>" 的形式提供
	const bearerPrefix = "Bearer "
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", false
		}
		t := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		return t, t != ""
	}
	if allowQuery {
		if t := c.Query("token"); t != "" {
			return t, true
		}
	}
	return "", false
}

// UserID 返回认证中间件写入的调用方用户 ID。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
