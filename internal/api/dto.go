package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/scheduler"
)

// ThreadUnitRequest — продолжение треда в запросе.
// Медиа продолжений загружаются только через multipart (поле thread_media_<N>).
type ThreadUnitRequest struct {
	Text string `json:"text"`
}

// SchedulePostRequest — запрос на создание отложенного поста.
// Медиа корня загружаются через multipart (поле media).
type SchedulePostRequest struct {
	Text            string              `json:"text"`
	IsThread        bool                `json:"is_thread"`
	ThreadPosts     []ThreadUnitRequest `json:"thread_posts,omitempty"`
	ScheduledTime   *time.Time          `json:"scheduled_time,omitempty"`
	CronExpr        string              `json:"cron_expr,omitempty"`
	CronDescription string              `json:"cron_description,omitempty"`
}

// UpdatePostRequest — частичное обновление поста. Нужно хотя бы одно поле.
//
// thread_posts заменяет тексты продолжений; медиа продолжения с тем же
// индексом сохраняется.
type UpdatePostRequest struct {
	Text            *string              `json:"text,omitempty"`
	IsThread        *bool                `json:"is_thread,omitempty"`
	ThreadPosts     *[]ThreadUnitRequest `json:"thread_posts,omitempty"`
	ScheduledTime   *time.Time           `json:"scheduled_time,omitempty"`
	CronExpr        *string              `json:"cron_expr,omitempty"`
	CronDescription *string              `json:"cron_description,omitempty"`
}

// IsEmpty возвращает true, если запрос ничего не меняет.
func (r UpdatePostRequest) IsEmpty() bool {
	return r.Text == nil && r.IsThread == nil && r.ThreadPosts == nil &&
		r.ScheduledTime == nil && r.CronExpr == nil && r.CronDescription == nil
}

// MediaResponse — медиа в ответе. Путь на диске наружу не отдаётся.
type MediaResponse struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ThreadUnitResponse — продолжение треда в ответе.
type ThreadUnitResponse struct {
	Text  string          `json:"text"`
	Media []MediaResponse `json:"media,omitempty"`
}

// PostResponse — ответ с постом.
type PostResponse struct {
	ID              uuid.UUID            `json:"id"`
	Text            string               `json:"text"`
	Media           []MediaResponse      `json:"media,omitempty"`
	IsThread        bool                 `json:"is_thread"`
	ThreadPosts     []ThreadUnitResponse `json:"thread_posts,omitempty"`
	Recurring       bool                 `json:"recurring"`
	ScheduledTime   *time.Time           `json:"scheduled_time,omitempty"`
	CronExpr        string               `json:"cron_expr,omitempty"`
	CronDescription string               `json:"cron_description,omitempty"`
	NextRun         *time.Time           `json:"next_run,omitempty"`
	Sent            bool                 `json:"sent"`
	SentAt          *time.Time           `json:"sent_at,omitempty"`
	LastRun         *time.Time           `json:"last_run,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// PostFromDomain конвертирует domain.Post в PostResponse.
// NextRun вычисляется для повторяющихся постов с корректным cron.
func PostFromDomain(p *domain.Post, matcher *scheduler.CronMatcher, now time.Time) PostResponse {
	resp := PostResponse{
		ID:              p.ID,
		Text:            p.Text,
		Media:           mediaFromDomain(p.Media),
		IsThread:        p.IsThread,
		Recurring:       p.IsRecurring(),
		ScheduledTime:   p.ScheduledTime,
		CronExpr:        p.CronExpr,
		CronDescription: p.CronDescription,
		Sent:            p.Sent,
		SentAt:          p.SentAt,
		LastRun:         p.LastRun,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}

	for _, tp := range p.ThreadPosts {
		resp.ThreadPosts = append(resp.ThreadPosts, ThreadUnitResponse{
			Text:  tp.Text,
			Media: mediaFromDomain(tp.Media),
		})
	}

	if p.IsRecurring() && matcher != nil {
		if next, err := matcher.NextFire(p.CronExpr, now); err == nil && !next.IsZero() {
			resp.NextRun = &next
		}
	}

	return resp
}

func mediaFromDomain(media []domain.MediaRef) []MediaResponse {
	if len(media) == 0 {
		return nil
	}
	out := make([]MediaResponse, len(media))
	for i, m := range media {
		out[i] = MediaResponse{Filename: m.Filename, MimeType: m.MimeType, Size: m.Size}
	}
	return out
}

// SendResponse — результат публикации.
type SendResponse struct {
	Post    *PostResponse       `json:"post,omitempty"`
	Handles []domain.PostHandle `json:"handles"`
}
