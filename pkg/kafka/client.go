// Package kafka 提供了将解决方案事件发布到 Kafka 的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatdesk-go/internal/config"
	"chatdesk-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// SolutionEvent 是发布到 Kafka 的解决方案标记事件。
type SolutionEvent struct {
	ThreadID string    `json:"thread_id"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	MarkedAt time.Time `json:"marked_at"`
}

// messageWriter 是 kafka.Writer 的最小子集，便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SolutionPublisher 以 Kafka 作为解决方案通知的落点，实现 responder.SolutionNotifier。
type SolutionPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// NewSolutionPublisher 初始化 Kafka 生产者。
func NewSolutionPublisher(cfg config.KafkaConfig) *SolutionPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Infof("Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return &SolutionPublisher{writer: w, now: time.Now}
}

// NotifySolution 发布一条解决方案事件，以 threadID 作为消息 key 保证同一线程有序。
func (p *SolutionPublisher) NotifySolution(ctx context.Context, threadID, question, answer string) error {
	payload, err := json.Marshal(SolutionEvent{
		ThreadID: threadID,
		Question: question,
		Answer:   answer,
		MarkedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal solution event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(threadID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish solution event: %w", err)
	}
	return nil
}

// Close 关闭底层的 Kafka writer。
func (p *SolutionPublisher) Close() error {
	return p.writer.Close()
}
