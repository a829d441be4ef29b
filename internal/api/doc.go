// Package api содержит HTTP API сервера Herald.
//
// Структура:
//   - handler.go      — Handler с DI (хранилище, диспетчер, медиа, logger)
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — middleware (logging, metrics, recovery)
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - dto.go          — Data Transfer Objects (request/response)
//   - media.go        — приём загруженных медиафайлов
//   - post_handler.go — обработчики для /posts
//
// Создание и немедленная публикация принимают как JSON, так и
// multipart/form-data. Файлы принимаются только через multipart.
package api
