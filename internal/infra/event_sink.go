package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"key-custody-service/internal/domain"
)

// EventPublisher はドメインイベントの発行先。
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// LogEventSink はドメインイベントを構造化ログとして出力する。
type LogEventSink struct{}

// Publish はイベントをINFOで記録する。
func (LogEventSink) Publish(ctx context.Context, event domain.Event) {
	slog.InfoContext(ctx, "domain event",
		"event", event.EventName(),
		"payload", event,
	)
}

// RedisPublisher はgo-redisクライアントのうちPublishだけを切り出したもの。
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventEnvelope はRedisに流すイベントのJSON形式。
type EventEnvelope struct {
	Event       string       `json:"event"`
	Payload     domain.Event `json:"payload"`
	PublishedAt time.Time    `json:"published_at"`
}

// RedisEventSink はドメインイベントをRedisのPub/Subチャネルへ発行する。
// 発行に失敗してもエラーは呼び出し元に返さずログに残す。
type RedisEventSink struct {
	client  RedisPublisher
	channel string
	now     func() time.Time
}

// NewRedisEventSink は新しいRedisEventSinkを生成する。
func NewRedisEventSink(client RedisPublisher, channel string) *RedisEventSink {
	return &RedisEventSink{client: client, channel: channel, now: time.Now}
}

// NewRedisClient はアドレスからgo-redisのクライアントを生成する。
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Publish はイベントをJSONにしてチャネルへ発行する。
func (s *RedisEventSink) Publish(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(EventEnvelope{
		Event:       event.EventName(),
		Payload:     event,
		PublishedAt: s.now().UTC(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode event",
			"operation", "redis_publish",
			"event", event.EventName(),
			"error", err,
		)
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to publish event",
			"operation", "redis_publish",
			"event", event.EventName(),
			"channel", s.channel,
			"error", err,
		)
	}
}

// MultiEventSink は複数の発行先に同じイベントを配る。
type MultiEventSink struct {
	sinks []EventPublisher
}

// NewMultiEventSink は新しいMultiEventSinkを生成する。
func NewMultiEventSink(sinks ...EventPublisher) *MultiEventSink {
	return &MultiEventSink{sinks: sinks}
}

// Publish は全ての発行先へ順にイベントを渡す。
func (m *MultiEventSink) Publish(ctx context.Context, event domain.Event) {
	for _, sink := range m.sinks {
		sink.Publish(ctx, event)
	}
}
