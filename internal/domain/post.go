package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Post — запись отложенной публикации (PostRecord).
//
// Post бывает двух видов:
// - Разовый: задан ScheduledTime, публикуется один раз, после чего Sent = true
// - Повторяющийся: задан CronExpr, публикуется при каждом совпадении cron,
//   после успешной публикации обновляется только LastRun
//
// Если заданы оба поля, Post считается повторяющимся.
type Post struct {
	// ID — уникальный идентификатор, назначается при создании и не меняется.
	ID uuid.UUID `json:"id"`

	// Text — основной текст поста (корневой unit треда).
	Text string `json:"text"`

	// Media — медиа корневого поста в порядке прикрепления.
	Media []MediaRef `json:"media,omitempty"`

	// IsThread — true, если ThreadPosts содержит продолжения треда.
	IsThread bool `json:"is_thread"`

	// ThreadPosts — продолжения треда. Порядок задаёт цепочку ответов:
	// ThreadPosts[0] отвечает на корень, ThreadPosts[1] — на ThreadPosts[0] и т.д.
	ThreadPosts []ThreadUnit `json:"thread_posts,omitempty"`

	// ScheduledTime — момент разовой публикации.
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	// CronExpr — cron-выражение из пяти полей.
	// Примеры:
	//   "0 12 * * *"   — каждый день в 12:00
	//   "*/15 * * * *" — каждые 15 минут
	CronExpr string `json:"cron_expr,omitempty"`

	// CronDescription — человекочитаемое описание CronExpr (задаёт клиент).
	CronDescription string `json:"cron_description,omitempty"`

	// Sent — разовый пост успешно опубликован. Для повторяющихся всегда false.
	Sent bool `json:"sent"`

	// SentAt — время успешной разовой публикации.
	SentAt *time.Time `json:"sent_at,omitempty"`

	// LastRun — время последней успешной публикации повторяющегося поста.
	LastRun *time.Time `json:"last_run,omitempty"`

	// PublishingAt — маркер начатой попытки публикации.
	// Записывается до обращения к Publisher и очищается вместе с результатом.
	// Если процесс упал посередине, маркер остаётся и разбирается в Reconcile.
	PublishingAt *time.Time `json:"publishing_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadUnit — продолжение треда со своим текстом и медиа.
type ThreadUnit struct {
	Text  string     `json:"text"`
	Media []MediaRef `json:"media,omitempty"`
}

// MediaRef — ссылка на уже загруженный на диск медиафайл.
// Принадлежит ровно одному Post или ThreadUnit.
type MediaRef struct {
	// Path — путь к файлу в MEDIA_DIR.
	Path string `json:"path"`

	// Filename — имя файла на диске.
	Filename string `json:"filename,omitempty"`

	// MimeType — MIME-тип, например "image/png".
	MimeType string `json:"mime_type"`

	// Size — размер в байтах.
	Size int64 `json:"size"`
}

// IsVideo возвращает true для видеофайлов.
func (m MediaRef) IsVideo() bool {
	return strings.HasPrefix(m.MimeType, "video/")
}

// IsRecurring возвращает true, если пост публикуется по cron-выражению.
func (p *Post) IsRecurring() bool {
	return p.CronExpr != ""
}

// IsDueOnce проверяет, пора ли публиковать разовый пост.
func (p *Post) IsDueOnce(now time.Time) bool {
	if p.IsRecurring() || p.Sent || p.ScheduledTime == nil {
		return false
	}
	return !p.ScheduledTime.After(now)
}

// Units разворачивает пост в упорядоченный список units для публикации:
// корень, затем ThreadPosts (только если IsThread).
func (p *Post) Units() []ContentUnit {
	units := make([]ContentUnit, 0, 1+len(p.ThreadPosts))
	units = append(units, ContentUnit{Text: p.Text, Media: p.Media})

	if !p.IsThread {
		return units
	}

	for _, tp := range p.ThreadPosts {
		units = append(units, ContentUnit{Text: tp.Text, Media: tp.Media})
	}
	return units
}

// ContentUnit — одна публикуемая единица: текст и его медиа.
type ContentUnit struct {
	Text  string
	Media []MediaRef
}

// PostHandle — непрозрачный идентификатор опубликованного поста,
// возвращаемый Publisher. Используется как replyTo для следующего unit треда.
type PostHandle struct {
	// ID — идентификатор поста у провайдера (для Bluesky — AT-URI).
	ID string `json:"id"`

	// Ref — дополнительная ссылка провайдера (для Bluesky — CID записи).
	Ref string `json:"ref,omitempty"`

	// RootID/RootRef — корень треда, к которому относится пост.
	// Пусты у корневого поста.
	RootID  string `json:"root_id,omitempty"`
	RootRef string `json:"root_ref,omitempty"`
}

// MediaHandle — непрозрачный идентификатор загруженного у провайдера медиа.
type MediaHandle struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`

	// Raw — исходное представление провайдера, передаётся обратно при публикации.
	Raw any `json:"-"`
}
