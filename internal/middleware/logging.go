// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"chatdesk-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// maxLoggedBody 限制日志中请求体的长度，图片以 data URL 形式上传时可能非常大。
const maxLoggedBody = 2048

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// WebSocket 升级请求和 /metrics 抓取不记录请求体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		var requestBody []byte
		if c.Request.Body != nil && !isUpgrade(c) {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回去，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		c.Next()

		if path == "/metrics" {
			return
		}
		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if userID := UserID(c); userID != "" {
			fields = append(fields, "userID", userID)
		}
		if len(requestBody) > 0 {
			fields = append(fields, "requestBody", truncate(string(requestBody)))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + "...(truncated)"
}
