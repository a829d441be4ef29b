// Package mq публикует события Herald в RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect и publisher confirms
//   - topology.go   — обменник herald.posts, очереди и привязки
//   - publisher.go  — события post.published / post.failed
//
// События необязательны: если RABBITMQ_URL не задан, Dispatcher работает
// без Notifier. Ошибка отправки события не влияет на состояние поста.
package mq
