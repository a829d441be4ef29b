package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

// ExchangePosts — topic-обменник событий публикации.
const ExchangePosts Exchange = "herald.posts"

// Очереди событий. Подписчики (уведомления, аналитика) читают их сами,
// Herald только публикует.
const (
	QueuePostsPublished Queue = "posts.published"
	QueuePostsFailed    Queue = "posts.failed"
)

// Ключи маршрутизации совпадают с типом сообщения.
const (
	RoutingKeyPublished RoutingKey = "post.published"
	RoutingKeyFailed    RoutingKey = "post.failed"
)

// Topology — обменники, очереди и привязки Herald.
var Topology = struct {
	Exchanges []Exchange
	Bindings  []Binding
}{
	Exchanges: []Exchange{ExchangePosts},
	Bindings: []Binding{
		{Queue: QueuePostsPublished, Key: RoutingKeyPublished, Exchange: ExchangePosts},
		{Queue: QueuePostsFailed, Key: RoutingKeyFailed, Exchange: ExchangePosts},
	},
}

// Binding — привязка очереди к обменнику.
type Binding struct {
	Queue    Queue
	Key      RoutingKey
	Exchange Exchange
}

// SetupTopology объявляет durable-обменник, очереди и привязки. Идемпотентна.
func SetupTopology(conn *Connection) error {
	return conn.Declare(func(ch *amqp.Channel) error {
		for _, ex := range Topology.Exchanges {
			if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, b := range Topology.Bindings {
			if _, err := ch.QueueDeclare(string(b.Queue), true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.Queue, err)
			}
			if err := ch.QueueBind(string(b.Queue), string(b.Key), string(b.Exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
			}
		}
		return nil
	})
}
