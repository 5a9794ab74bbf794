// Package model 包含了应用的数据模型定义。
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle 是尚未收到第一条用户消息的对话标题。
const DefaultTitle = "New Chat"

// maxTitleRunes 是自动生成标题保留的最大字符数。
const maxTitleRunes = 35

// Message 代表对话中的一轮消息。
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Latency 为应答方报告的往返耗时，仅 assistant 消息
	Latency *float64 `json:"latency,omitempty"`
	// Context 为应答方用于生成回答的依据片段，仅 assistant 消息
	Context    []string `json:"context,omitempty"`
	IsSolution bool     `json:"isSolution,omitempty"`
	// Image 为用户消息附带的图片（data URL 或裸 base64）
	Image string `json:"image,omitempty"`
}

// Conversation 代表一个有序的消息线程。
type Conversation struct {
	ID string `json:"id"`
	// ThreadID 在创建时生成，整个生命周期内不变，每一轮都会传给应答方
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasSolution 判断对话中是否已有被标记为解决方案的消息。
func (c *Conversation) HasSolution() bool {
	for _, m := range c.Messages {
		if m.IsSolution {
			return true
		}
	}
	return false
}

// IndexOf 返回指定消息在对话中的下标，不存在时返回 -1。
func (c *Conversation) IndexOf(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// QuestionFor 从下标 idx 向前查找最近的一条用户消息，作为该回答对应的问题。
// 找不到时返回空字符串。
func (c *Conversation) QuestionFor(idx int) string {
	for i := idx - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// Clone 返回对话的深拷贝，调用方可以随意读取而不影响会话状态。
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.Latency != nil {
			l := *m.Latency
			m.Latency = &l
		}
		if m.Context != nil {
			m.Context = append([]string(nil), m.Context...)
		}
		out.Messages[i] = m
	}
	return out
}

// GenerateTitle 根据第一条用户消息生成对话标题：换行替换为空格，
// 去掉首尾空白，超过 35 个字符时截断并追加省略号。
func GenerateTitle(content string) string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if utf8.RuneCountInString(cleaned) <= maxTitleRunes {
		return cleaned
	}
	return string([]rune(cleaned)[:maxTitleRunes]) + "…"
}
