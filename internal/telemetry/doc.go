// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики
//
// Логгер настраивается переменными LOG_LEVEL и LOG_FORMAT,
// метрики экспортируются на /metrics.
package telemetry
