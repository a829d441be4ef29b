package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
)

// PostStore — хранилище постов.
//
// Каждая операция над одной записью атомарна для конкурентных читателей:
// никто не увидит наполовину записанный пост. Транзакции между записями не нужны.
//
// Реализации: PostRepo (Postgres), MemoryStore (тесты и STORE=memory).
type PostStore interface {
	// Create сохраняет новый пост. ID, CreatedAt и UpdatedAt заполняются, если пусты.
	Create(ctx context.Context, post *domain.Post) error

	// Get возвращает пост по ID или ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Post, error)

	// Update применяет частичное изменение и всегда обновляет UpdatedAt.
	// Возвращает пост после изменения или ErrNotFound.
	Update(ctx context.Context, id uuid.UUID, patch PostPatch) (*domain.Post, error)

	// Delete удаляет пост или возвращает ErrNotFound.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListAll возвращает все посты, отсортированные по scheduled_time (NULL в конце).
	ListAll(ctx context.Context) ([]domain.Post, error)

	// ListDueOnce возвращает разовые посты: cron_expr пуст, scheduled_time <= now, sent = false.
	// Сортировка по scheduled_time ASC.
	ListDueOnce(ctx context.Context, now time.Time) ([]domain.Post, error)

	// ListRecurring возвращает все посты с cron_expr.
	ListRecurring(ctx context.Context) ([]domain.Post, error)

	// ListInFlight возвращает посты с незакрытым маркером PublishingAt.
	ListInFlight(ctx context.Context) ([]domain.Post, error)
}

// PostPatch — частичное изменение поста.
// nil-поля не меняются. Clear* сбрасывают соответствующее поле в NULL.
type PostPatch struct {
	Text            *string
	Media           *[]domain.MediaRef
	IsThread        *bool
	ThreadPosts     *[]domain.ThreadUnit
	ScheduledTime   *time.Time
	CronExpr        *string
	CronDescription *string
	Sent            *bool
	SentAt          *time.Time
	LastRun         *time.Time
	PublishingAt    *time.Time

	ClearScheduledTime bool
	ClearPublishingAt  bool
}

// IsEmpty возвращает true, если patch ничего не меняет.
func (p PostPatch) IsEmpty() bool {
	return p == PostPatch{}
}

// Apply применяет patch к посту и проставляет UpdatedAt.
func (p PostPatch) Apply(post *domain.Post, now time.Time) {
	if p.Text != nil {
		post.Text = *p.Text
	}
	if p.Media != nil {
		post.Media = cloneMedia(*p.Media)
	}
	if p.IsThread != nil {
		post.IsThread = *p.IsThread
	}
	if p.ThreadPosts != nil {
		post.ThreadPosts = cloneThread(*p.ThreadPosts)
	}
	if p.ScheduledTime != nil {
		post.ScheduledTime = timePtr(*p.ScheduledTime)
	}
	if p.ClearScheduledTime {
		post.ScheduledTime = nil
	}
	if p.CronExpr != nil {
		post.CronExpr = *p.CronExpr
	}
	if p.CronDescription != nil {
		post.CronDescription = *p.CronDescription
	}
	if p.Sent != nil {
		post.Sent = *p.Sent
	}
	if p.SentAt != nil {
		post.SentAt = timePtr(*p.SentAt)
	}
	if p.LastRun != nil {
		post.LastRun = timePtr(*p.LastRun)
	}
	if p.PublishingAt != nil {
		post.PublishingAt = timePtr(*p.PublishingAt)
	}
	if p.ClearPublishingAt {
		post.PublishingAt = nil
	}
	post.UpdatedAt = now
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneMedia(in []domain.MediaRef) []domain.MediaRef {
	if in == nil {
		return nil
	}
	out := make([]domain.MediaRef, len(in))
	copy(out, in)
	return out
}

func cloneThread(in []domain.ThreadUnit) []domain.ThreadUnit {
	if in == nil {
		return nil
	}
	out := make([]domain.ThreadUnit, len(in))
	for i, u := range in {
		out[i] = domain.ThreadUnit{Text: u.Text, Media: cloneMedia(u.Media)}
	}
	return out
}

// clonePost возвращает глубокую копию поста.
func clonePost(p *domain.Post) *domain.Post {
	c := *p
	c.Media = cloneMedia(p.Media)
	c.ThreadPosts = cloneThread(p.ThreadPosts)
	if p.ScheduledTime != nil {
		c.ScheduledTime = timePtr(*p.ScheduledTime)
	}
	if p.SentAt != nil {
		c.SentAt = timePtr(*p.SentAt)
	}
	if p.LastRun != nil {
		c.LastRun = timePtr(*p.LastRun)
	}
	if p.PublishingAt != nil {
		c.PublishingAt = timePtr(*p.PublishingAt)
	}
	return &c
}
