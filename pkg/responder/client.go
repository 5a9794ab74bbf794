// Package responder provides a client for the remote responder service that
// answers user messages and receives solution notifications.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatdesk-go/internal/config"
	"chatdesk-go/internal/metrics"
	"chatdesk-go/internal/model"
	"chatdesk-go/pkg/idgen"
)

// ErrUnreachable 表示远端应答服务无法连接（传输层失败）。
var ErrUnreachable = errors.New("responder unreachable")

// StatusError 表示应答服务返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("responder returned status %d: %s", e.StatusCode, e.Detail)
}

// HTTPStatus 返回远端的 HTTP 状态码。
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// SendRequest 描述一轮用户消息及其线程上下文。
type SendRequest struct {
	Content  string
	ThreadID string
	CallerID string
	Language string
	// Image 可以是 data URL，发送前会去掉 MIME/编码前缀
	Image string
}

// Sender 向应答方发送一条用户消息并返回规范化的 assistant 消息。
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*model.Message, error)
}

// SolutionNotifier 通知远端某条回答被用户标记为解决方案。
type SolutionNotifier interface {
	NotifySolution(ctx context.Context, threadID, question, answer string) error
}

// Client 同时实现 Sender 与 SolutionNotifier。不重试、不缓存、不限流。
type Client struct {
	cfg    config.ResponderConfig
	client *http.Client
	newID  idgen.Generator
	now    func() time.Time
}

// NewClient creates a new responder client from config.
func NewClient(cfg config.ResponderConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		newID:  idgen.New,
		now:    time.Now,
	}
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Language string `json:"language"`
	Image    string `json:"image,omitempty"`
}

type chatResponse struct {
	Response string   `json:"response"`
	Latency  *float64 `json:"latency,omitempty"`
	Context  []string `json:"context,omitempty"`
}

type solutionRequest struct {
	ThreadID string `json:"thread_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Send performs one request/response exchange with the responder.
func (c *Client) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	start := time.Now()
	body := chatRequest{
		Message:  req.Content,
		ThreadID: req.ThreadID,
		UserID:   req.CallerID,
		Language: req.Language,
		Image:    StripDataURL(req.Image),
	}

	var out chatResponse
	err := c.postJSON(ctx, "/chat", body, &out)
	metrics.ObserveResponder("send", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &model.Message{
		ID:        c.newID(),
		Role:      model.RoleAssistant,
		Content:   out.Response,
		Timestamp: c.now(),
		Latency:   out.Latency,
		Context:   out.Context,
	}, nil
}

// NotifySolution reports that answer resolved question on the given thread.
// Failures are returned so the caller can decide to swallow them.
func (c *Client) NotifySolution(ctx context.Context, threadID, question, answer string) error {
	start := time.Now()
	err := c.postJSON(ctx, "/solution", solutionRequest{
		ThreadID: threadID,
		Question: question,
		Answer:   answer,
	}, nil)
	metrics.ObserveResponder("solution", err, time.Since(start))
	return err
}

// postJSON 发送 JSON 请求；out 为 nil 时忽略响应体。
func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	reqBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal responder request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: c.detailFrom(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode responder response: %w", err)
	}
	return nil
}

// detailFrom 从错误响应体中提取 detail，缺失时使用通用提示。
func (c *Client) detailFrom(r io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(r).Decode(&eb); err == nil && eb.Detail != "" {
		return eb.Detail
	}
	if c.cfg.GenericError != "" {
		return c.cfg.GenericError
	}
	return "failed to send message to the agent"
}

// StripDataURL removes a "data:<mime>;base64," prefix, returning the raw payload.
// Input without the prefix is returned unchanged.
func StripDataURL(image string) string {
	if !strings.HasPrefix(image, "data:") {
		return image
	}
	if i := strings.Index(image, ","); i >= 0 {
		return image[i+1:]
	}
	return image
}
