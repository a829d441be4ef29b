package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Herald/internal/domain"
)

// MessageType — тип события.
type MessageType string

const (
	MessageTypePostPublished MessageType = "post.published"
	MessageTypePostFailed    MessageType = "post.failed"
)

// Sender отправляет AMQP сообщение. Реализация: Connection.
type Sender interface {
	Send(ctx context.Context, exchange Exchange, key RoutingKey, msg amqp.Publishing) error
}

// Message — конверт события.
type Message struct {
	ID        string               `json:"id"`
	Type      MessageType          `json:"type"`
	Payload   domain.DispatchEvent `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

// Publisher публикует события о результатах публикации постов.
// Реализует scheduler.Notifier.
type Publisher struct {
	sender Sender
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sender: sender, logger: logger}
}

// PublishPostPublished публикует событие об успешной публикации поста.
func (p *Publisher) PublishPostPublished(ctx context.Context, event domain.DispatchEvent) error {
	return p.publish(ctx, MessageTypePostPublished, RoutingKeyPublished, event)
}

// PublishPostFailed публикует событие о неудачной попытке публикации.
func (p *Publisher) PublishPostFailed(ctx context.Context, event domain.DispatchEvent) error {
	return p.publish(ctx, MessageTypePostFailed, RoutingKeyFailed, event)
}

func (p *Publisher) publish(ctx context.Context, msgType MessageType, key RoutingKey, event domain.DispatchEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	msg := Message{
		ID:        event.EventID.String(),
		Type:      msgType,
		Payload:   event,
		Timestamp: event.OccurredAt,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.sender.Send(ctx, ExchangePosts, key, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msgType),
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("event published",
		"type", msgType,
		"message_id", msg.ID,
		"post_id", event.PostID,
	)
	return nil
}
