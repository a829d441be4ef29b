package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/publish"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/scheduler"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeValidation    ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeTooLarge      ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodePublishFailed ErrorCode = "PUBLISH_FAILED"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Published — handles, опубликованные до сбоя (частичный тред).
	Published []domain.PostHandle `json:"published,omitempty"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// TooLarge отправляет ошибку 413.
func TooLarge(w http.ResponseWriter, message string) {
	Error(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, message)
}

// PublishFailed отправляет ошибку 502 со списком уже опубликованных handles.
func PublishFailed(w http.ResponseWriter, err error) {
	JSON(w, http.StatusBadGateway, ErrorResponse{
		Error: ErrorDetail{
			Code:      ErrCodePublishFailed,
			Message:   err.Error(),
			Published: publish.PartialHandles(err),
		},
	})
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку хранилища, валидации или публикации в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	var (
		uploadErr  *publish.MediaUploadError
		publishErr *publish.PublishAPIError
	)

	switch {
	case domain.IsValidationError(err):
		Error(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, scheduler.ErrMalformedCron):
		Error(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, repo.ErrNotFound):
		NotFound(w, notFoundMsg)
	case errors.Is(err, scheduler.ErrAlreadySent), errors.Is(err, scheduler.ErrPublishInterrupted):
		Conflict(w, err.Error())
	case errors.Is(err, errTooManyFiles), errors.Is(err, errFileTooLarge), errors.Is(err, errUploadTooLarge):
		TooLarge(w, err.Error())
	case errors.Is(err, errUnsupportedMedia), errors.Is(err, errInvalidBody):
		BadRequest(w, err.Error())
	case errors.As(err, &uploadErr), errors.As(err, &publishErr):
		logger.Warn("publish failed", "error", err)
		PublishFailed(w, err)
	case errors.Is(err, scheduler.ErrDispatcherStopped):
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "server is shutting down")
	default:
		InternalError(w, logger, err)
	}
	return true
}
