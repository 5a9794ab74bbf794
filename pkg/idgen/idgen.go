// Package idgen 生成会话内使用的不透明标识符（消息、对话、threadId）。
package idgen

import "github.com/google/uuid"

// Generator 返回一个新的、在会话内实际唯一的标识符。
type Generator func() string

// New 是默认的 Generator，基于随机 UUID。
func New() string {
	return uuid.NewString()
}
