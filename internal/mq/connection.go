package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxReconnectDelay = 30 * time.Second

// ErrNotConnected — соединение сейчас недоступно (идёт переподключение или Close).
var ErrNotConnected = errors.New("rabbitmq is not connected")

// Connection — AMQP соединение с каналом в режиме подтверждений (publisher confirms).
//
// При разрыве соединение восстанавливается в фоне с экспоненциальной
// задержкой. Пока переподключение не завершилось, Send возвращает ErrNotConnected.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	done chan struct{}
}

// Dial подключается к RabbitMQ и запускает наблюдение за соединением.
func Dial(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		url:    url,
		logger: logger,
		done:   make(chan struct{}),
	}

	conn, err := c.open()
	if err != nil {
		return nil, err
	}

	go c.watch(conn)

	return c, nil
}

// open устанавливает соединение и открывает канал с подтверждениями.
func (c *Connection) open() (*amqp.Connection, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ")
	return conn, nil
}

// watch ждёт закрытия соединения и переподключается, пока не вызван Close.
func (c *Connection) watch(conn *amqp.Connection) {
	for {
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.done:
			return
		case amqpErr := <-notifyClose:
			if amqpErr != nil {
				c.logger.Warn("rabbitmq connection lost", "error", amqpErr)
			}
		}

		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect повторяет open с задержкой 1s, 2s, 4s ... до maxReconnectDelay.
// Возвращает false, если соединение закрыли во время ожидания.
func (c *Connection) reconnect() (*amqp.Connection, bool) {
	delay := time.Second

	for {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}

		conn, err := c.open()
		if err != nil {
			c.logger.Warn("rabbitmq reconnect failed", "error", err, "next_delay", delay)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.logger.Info("reconnected to RabbitMQ")
		return conn, true
	}
}

// Send публикует сообщение и ждёт подтверждения брокера.
func (c *Connection) Send(ctx context.Context, exchange Exchange, key RoutingKey, msg amqp.Publishing) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return ErrNotConnected
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, string(exchange), string(key), false, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm for %s/%s: %w", exchange, key, err)
	}
	if !acked {
		return fmt.Errorf("message to %s/%s was nacked by broker", exchange, key)
	}
	return nil
}

// Declare выполняет fn с текущим каналом (для объявления топологии).
func (c *Connection) Declare(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil {
		return ErrNotConnected
	}
	return fn(ch)
}

// Close закрывает канал и соединение. Повторный вызов ничего не делает.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("rabbitmq connection closed")
	return errors.Join(errs...)
}
