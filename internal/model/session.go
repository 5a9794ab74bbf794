package model

// SessionSnapshot 是会话状态的只读快照，UI 据此被动渲染。
type SessionSnapshot struct {
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID string         `json:"activeConversationId"`
	IsLoading            bool           `json:"isLoading"`
	IsChatLocked         bool           `json:"isChatLocked"`
	// Version 每次状态变更递增，订阅方据此丢弃乱序到达的旧快照
	Version uint64 `json:"version"`
}

// Active 返回快照中的活动对话，不存在时返回 nil。
func (s SessionSnapshot) Active() *Conversation {
	for i := range s.Conversations {
		if s.Conversations[i].ID == s.ActiveConversationID {
			return &s.Conversations[i]
		}
	}
	return nil
}

// OutcomeStatus 表示一次会话操作的结果类别。
type OutcomeStatus string

const (
	// OutcomeReplied 应答成功，assistant 消息已追加
	OutcomeReplied OutcomeStatus = "replied"
	// OutcomeFailed 应答失败，已追加本地化的致歉消息
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSkipped 前置条件不满足，操作未产生任何效果
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeLocked 对话已有解决方案，发送被拒绝
	OutcomeLocked OutcomeStatus = "locked"
	// OutcomeDiscarded 请求期间对话被删除，应答被丢弃
	OutcomeDiscarded OutcomeStatus = "discarded"
	// OutcomeMarked 解决方案已通知并在本地标记
	OutcomeMarked OutcomeStatus = "marked"
)

// Outcome 是会话操作的返回值，错误不会以 error 的形式越过会话管理器的边界。
type Outcome struct {
	Status         OutcomeStatus `json:"status"`
	ConversationID string        `json:"conversationId,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	// Reason 记录失败原因，仅用于日志与调试
	Reason string `json:"reason,omitempty"`
}
