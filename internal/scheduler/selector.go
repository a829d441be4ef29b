package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/repo"
)

// RecurringCandidate — повторяющийся пост и результат проверки cron.
type RecurringCandidate struct {
	Post    domain.Post
	Matched bool
	Err     error // ErrMalformedCron, если выражение не парсится
}

// Selector выбирает due-посты из хранилища.
type Selector struct {
	store   repo.PostStore
	matcher *CronMatcher
	logger  *slog.Logger
}

// NewSelector создаёт Selector.
func NewSelector(store repo.PostStore, matcher *CronMatcher, logger *slog.Logger) *Selector {
	if matcher == nil {
		matcher = NewCronMatcher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, matcher: matcher, logger: logger}
}

// DueOnce возвращает разовые посты, готовые к публикации в момент now,
// отсортированные по scheduled_time.
func (s *Selector) DueOnce(ctx context.Context, now time.Time) ([]domain.Post, error) {
	posts, err := s.store.ListDueOnce(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due one-time posts: %w", err)
	}
	return posts, nil
}

// DueRecurring возвращает все повторяющиеся посты с результатом проверки cron.
// Некорректное выражение логируется и никогда не совпадает.
func (s *Selector) DueRecurring(ctx context.Context, now time.Time) ([]RecurringCandidate, error) {
	posts, err := s.store.ListRecurring(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recurring posts: %w", err)
	}

	candidates := make([]RecurringCandidate, 0, len(posts))
	for _, p := range posts {
		matched, err := s.matcher.IsDueNow(p.CronExpr, now)
		if err != nil {
			s.logger.Error("malformed cron expression, post will not fire",
				"post_id", p.ID,
				"cron_expr", p.CronExpr,
				"error", err,
			)
		}
		candidates = append(candidates, RecurringCandidate{Post: p, Matched: matched, Err: err})
	}
	return candidates, nil
}
