package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatdesk-go/internal/metrics"
	"chatdesk-go/internal/model"
	"chatdesk-go/pkg/idgen"
	"chatdesk-go/pkg/log"
	"chatdesk-go/pkg/responder"
)

// defaultApology 在未配置任何本地化致歉文案时使用。
const defaultApology = "Desculpe, ocorreu um erro ao se comunicar com o agente. Verifique se o backend está rodando."

// fallbackLanguage 是致歉文案找不到对应语言时回退的语言。
const fallbackLanguage = "pt"

// SessionService 是单个调用方的会话管理器：持有全部对话、活动对话指针和请求中标志，
// 并负责消息发送、应答回填、对话生命周期与解决方案标记。
// 所有状态变更都在同一把锁内以“读-改-写”完成，读取方只会看到完整的快照。
type SessionService interface {
	SendMessage(ctx context.Context, content, image string) model.Outcome
	NewChat() model.Conversation
	SwitchConversation(conversationID string) bool
	DeleteConversation(conversationID string) bool
	MarkAsSolution(ctx context.Context, messageID string) model.Outcome

	Messages() []model.Message
	ActiveConversation() *model.Conversation
	IsLoading() bool
	IsChatLocked() bool
	Snapshot() model.SessionSnapshot

	// Subscribe 注册一个监听器，每次状态变更后以最新快照调用；返回取消订阅函数。
	Subscribe(fn func(model.SessionSnapshot)) (unsubscribe func())
	// Close 取消所有未完成的请求、移除监听器并关闭 Done 通道。可重复调用。
	Close()
	// Done 在会话被关闭后关闭，订阅方据此得知不会再有新的快照。
	Done() <-chan struct{}
}

// SessionOptions 是会话管理器的显式依赖，不从任何全局状态读取。
type SessionOptions struct {
	// CallerID 为空时 SendMessage 不做任何事
	CallerID    string
	Sender      responder.Sender
	Notifier    responder.SolutionNotifier
	Preferences PreferenceReader
	// Apologies 按语言代码给出应答失败时追加的致歉文案
	Apologies map[string]string
	// EnforceSolutionLock 为 true 时，已有解决方案的对话拒绝新消息
	EnforceSolutionLock bool

	NewID idgen.Generator
	Now   func() time.Time
}

// pendingRequest 是一次已派发、尚未完成的应答请求。
type pendingRequest struct {
	conversationID string
	cancel         context.CancelFunc
}

type sessionService struct {
	opts SessionOptions

	mu            sync.Mutex
	conversations []model.Conversation // 新对话插在最前面
	activeID      string
	version       uint64

	// pending 以请求令牌为键；对话被删除时其令牌被移除，迟到的应答据此被丢弃
	pending   map[uint64]pendingRequest
	nextToken uint64
	// marking 记录正在等待解决方案通知的对话，避免并发标记
	marking map[string]bool

	listeners    map[int]func(model.SessionSnapshot)
	nextListener int

	done   chan struct{}
	closed bool
}

// NewSessionService 创建会话管理器，并自动创建一个空对话作为活动对话。
func NewSessionService(opts SessionOptions) SessionService {
	if opts.NewID == nil {
		opts.NewID = idgen.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &sessionService{
		opts:      opts,
		pending:   make(map[uint64]pendingRequest),
		marking:   make(map[string]bool),
		listeners: make(map[int]func(model.SessionSnapshot)),
		done:      make(chan struct{}),
	}
	initial := s.newConversation()
	s.conversations = []model.Conversation{initial}
	s.activeID = initial.ID
	return s
}

func (s *sessionService) newConversation() model.Conversation {
	return model.Conversation{
		ID:        s.opts.NewID(),
		ThreadID:  s.opts.NewID(),
		Title:     model.DefaultTitle,
		Messages:  []model.Message{},
		CreatedAt: s.opts.Now(),
	}
}

// SendMessage 分两个阶段执行：
// 阶段一（同步，必定成功）追加用户消息并登记请求；
// 阶段二（调用应答方之后）向派发时捕获的对话追加且仅追加一条结果消息。
func (s *sessionService) SendMessage(ctx context.Context, content, image string) model.Outcome {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && image == "" {
		return skipped("", "empty message")
	}
	if s.opts.CallerID == "" {
		return skipped("", "no caller identity")
	}

	s.mu.Lock()
	conv := s.findLocked(s.activeID)
	if conv == nil {
		s.mu.Unlock()
		return skipped("", "no active conversation")
	}
	if s.opts.EnforceSolutionLock && conv.HasSolution() {
		s.mu.Unlock()
		metrics.SendOutcomes.WithLabelValues(string(model.OutcomeLocked)).Inc()
		return model.Outcome{Status: model.OutcomeLocked, ConversationID: conv.ID, Reason: "conversation already has a solution"}
	}

	if len(conv.Messages) == 0 && trimmed != "" {
		conv.Title = model.GenerateTitle(content)
	}
	conv.Messages = append(conv.Messages, model.Message{
		ID:        s.opts.NewID(),
		Role:      model.RoleUser,
		Content:   content,
		Timestamp: s.stampLocked(conv, s.opts.Now()),
		Image:     image,
	})

	convID, threadID := conv.ID, conv.ThreadID
	reqCtx, cancel := context.WithCancel(ctx)
	s.nextToken++
	token := s.nextToken
	s.pending[token] = pendingRequest{conversationID: convID, cancel: cancel}
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	language := fallbackLanguage
	if s.opts.Preferences != nil {
		language = s.opts.Preferences.Current().Language
	}
	reply, err := s.opts.Sender.Send(reqCtx, responder.SendRequest{
		Content:  content,
		ThreadID: threadID,
		CallerID: s.opts.CallerID,
		Language: language,
		Image:    image,
	})
	cancel()
	if err == nil && reply == nil {
		err = errors.New("responder returned no message")
	}

	s.mu.Lock()
	_, live := s.pending[token]
	delete(s.pending, token)
	conv = s.findLocked(convID)
	if !live || conv == nil {
		notify = s.changedLocked()
		s.mu.Unlock()
		notify()
		log.Infow("对话已删除，丢弃迟到的应答", "conversationID", convID, "threadID", threadID)
		metrics.SendOutcomes.WithLabelValues(string(model.OutcomeDiscarded)).Inc()
		return model.Outcome{Status: model.OutcomeDiscarded, ConversationID: convID, Reason: "conversation deleted while request was outstanding"}
	}

	out := model.Outcome{ConversationID: convID}
	var msg model.Message
	if err != nil {
		log.Errorw("发送消息到应答方失败", "conversationID", convID, "threadID", threadID, "error", err)
		msg = model.Message{
			ID:      s.opts.NewID(),
			Role:    model.RoleAssistant,
			Content: s.apologyFor(language),
		}
		out.Status = model.OutcomeFailed
		out.Reason = err.Error()
	} else {
		msg = *reply
		out.Status = model.OutcomeReplied
	}
	msg.Timestamp = s.stampLocked(conv, s.opts.Now())
	conv.Messages = append(conv.Messages, msg)
	stored := conv.Messages[len(conv.Messages)-1]
	out.Message = &stored
	notify = s.changedLocked()
	s.mu.Unlock()
	notify()

	metrics.SendOutcomes.WithLabelValues(string(out.Status)).Inc()
	return out
}

func (s *sessionService) NewChat() model.Conversation {
	s.mu.Lock()
	conv := s.newConversation()
	s.conversations = append([]model.Conversation{conv}, s.conversations...)
	s.activeID = conv.ID
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()
	return conv.Clone()
}

// SwitchConversation 在有请求未完成时拒绝切换，保证应答不会被错配到其他对话。
func (s *sessionService) SwitchConversation(conversationID string) bool {
	s.mu.Lock()
	if len(s.pending) > 0 || s.findLocked(conversationID) == nil {
		s.mu.Unlock()
		return false
	}
	s.activeID = conversationID
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()
	return true
}

// DeleteConversation 删除对话并取消其未完成的请求。删除活动对话时切换到剩余的第一个对话，
// 若已无对话则新建一个空对话，会话中始终至少保留一个对话。
func (s *sessionService) DeleteConversation(conversationID string) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return false
	}

	s.conversations = append(s.conversations[:idx:idx], s.conversations[idx+1:]...)
	for token, p := range s.pending {
		if p.conversationID == conversationID {
			p.cancel()
			delete(s.pending, token)
		}
	}
	delete(s.marking, conversationID)

	if s.activeID == conversationID {
		if len(s.conversations) > 0 {
			s.activeID = s.conversations[0].ID
		} else {
			conv := s.newConversation()
			s.conversations = []model.Conversation{conv}
			s.activeID = conv.ID
		}
	}
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()
	return true
}

// MarkAsSolution 找到活动对话中的 assistant 消息，以其之前最近的用户消息作为问题通知应答方，
// 仅在通知成功后才在本地标记。通知失败只记录日志。
func (s *sessionService) MarkAsSolution(ctx context.Context, messageID string) model.Outcome {
	s.mu.Lock()
	conv := s.findLocked(s.activeID)
	if conv == nil {
		s.mu.Unlock()
		return skipped("", "no active conversation")
	}
	convID := conv.ID
	idx := conv.IndexOf(messageID)
	switch {
	case idx == -1:
		s.mu.Unlock()
		return skipped(convID, "message not found")
	case conv.Messages[idx].Role != model.RoleAssistant:
		s.mu.Unlock()
		return skipped(convID, "only assistant messages can be marked")
	case conv.HasSolution():
		s.mu.Unlock()
		return skipped(convID, "conversation already has a solution")
	case s.marking[convID]:
		s.mu.Unlock()
		return skipped(convID, "solution notification already in progress")
	}
	question := conv.QuestionFor(idx)
	answer := conv.Messages[idx].Content
	threadID := conv.ThreadID
	s.marking[convID] = true
	s.mu.Unlock()

	err := s.opts.Notifier.NotifySolution(ctx, threadID, question, answer)

	s.mu.Lock()
	delete(s.marking, convID)
	if err != nil {
		s.mu.Unlock()
		log.Warnw("标记解决方案失败", "conversationID", convID, "messageID", messageID, "error", err)
		return model.Outcome{Status: model.OutcomeFailed, ConversationID: convID, Reason: err.Error()}
	}
	conv = s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return model.Outcome{Status: model.OutcomeDiscarded, ConversationID: convID, Reason: "conversation deleted while notifying"}
	}
	idx = conv.IndexOf(messageID)
	if idx == -1 || conv.HasSolution() {
		s.mu.Unlock()
		return skipped(convID, "conversation already has a solution")
	}
	conv.Messages[idx].IsSolution = true
	marked := conv.Messages[idx]
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	log.Infow("已标记解决方案", "conversationID", convID, "messageID", messageID)
	metrics.SolutionsMarked.Inc()
	return model.Outcome{Status: model.OutcomeMarked, ConversationID: convID, Message: &marked}
}

func (s *sessionService) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.activeID)
	if conv == nil {
		return []model.Message{}
	}
	return conv.Clone().Messages
}

func (s *sessionService) ActiveConversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.activeID)
	if conv == nil {
		return nil
	}
	c := conv.Clone()
	return &c
}

func (s *sessionService) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// IsChatLocked 为 true 表示活动对话已有解决方案。
func (s *sessionService) IsChatLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.activeID)
	return conv != nil && conv.HasSolution()
}

func (s *sessionService) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *sessionService) Subscribe(fn func(model.SessionSnapshot)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *sessionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for token, p := range s.pending {
		p.cancel()
		delete(s.pending, token)
	}
	s.listeners = make(map[int]func(model.SessionSnapshot))
	close(s.done)
}

func (s *sessionService) Done() <-chan struct{} {
	return s.done
}

func (s *sessionService) findLocked(conversationID string) *model.Conversation {
	if conversationID == "" {
		return nil
	}
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return &s.conversations[i]
		}
	}
	return nil
}

func (s *sessionService) snapshotLocked() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		Conversations:        make([]model.Conversation, len(s.conversations)),
		ActiveConversationID: s.activeID,
		IsLoading:            len(s.pending) > 0,
		Version:              s.version,
	}
	for i, c := range s.conversations {
		snap.Conversations[i] = c.Clone()
		if c.ID == s.activeID {
			snap.IsChatLocked = c.HasSolution()
		}
	}
	return snap
}

// changedLocked 递增版本号并返回一个在释放锁之后调用的通知函数。
func (s *sessionService) changedLocked() func() {
	s.version++
	if len(s.listeners) == 0 {
		return func() {}
	}
	snap := s.snapshotLocked()
	fns := make([]func(model.SessionSnapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

// stampLocked 保证同一对话内的时间戳单调不减。
func (s *sessionService) stampLocked(conv *model.Conversation, t time.Time) time.Time {
	if n := len(conv.Messages); n > 0 && t.Before(conv.Messages[n-1].Timestamp) {
		return conv.Messages[n-1].Timestamp
	}
	return t
}

func (s *sessionService) apologyFor(language string) string {
	if msg, ok := s.opts.Apologies[language]; ok && msg != "" {
		return msg
	}
	if msg, ok := s.opts.Apologies[fallbackLanguage]; ok && msg != "" {
		return msg
	}
	return defaultApology
}

func skipped(conversationID, reason string) model.Outcome {
	return model.Outcome{Status: model.OutcomeSkipped, ConversationID: conversationID, Reason: reason}
}
