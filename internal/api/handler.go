package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/scheduler"
)

// Dispatcher — синхронные публикации, доступные из API.
// Реализация: scheduler.Dispatcher.
type Dispatcher interface {
	SendNow(ctx context.Context, id uuid.UUID) (*scheduler.SendResult, error)
	PublishUnits(ctx context.Context, units []domain.ContentUnit) ([]domain.PostHandle, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store      repo.PostStore
	dispatcher Dispatcher
	matcher    *scheduler.CronMatcher
	media      *MediaStore
	logger     *slog.Logger
	now        func() time.Time
	maxUpload  int64
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store      repo.PostStore
	Dispatcher Dispatcher
	Matcher    *scheduler.CronMatcher // для next_run в ответах
	Media      *MediaStore
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = scheduler.NewCronMatcher(nil)
	}

	return &Handler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		matcher:    matcher,
		media:      cfg.Media,
		logger:     logger,
		now:        time.Now,
		maxUpload:  MaxUploadSize,
	}
}
