package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchKind — путь, по которому пост попал в публикацию.
type DispatchKind string

const (
	// DispatchOneTime — разовый пост, выбранный тиком.
	DispatchOneTime DispatchKind = "one_time"

	// DispatchRecurring — повторяющийся пост, cron которого совпал в тике.
	DispatchRecurring DispatchKind = "recurring"

	// DispatchManual — явная команда "отправить сейчас".
	DispatchManual DispatchKind = "manual"

	// DispatchImmediate — немедленная публикация без сохранения записи.
	DispatchImmediate DispatchKind = "immediate"
)

// DispatchEvent — результат попытки публикации, рассылаемый подписчикам.
type DispatchEvent struct {
	EventID    uuid.UUID    `json:"event_id"`
	PostID     uuid.UUID    `json:"post_id"`
	Kind       DispatchKind `json:"kind"`
	Handles    []PostHandle `json:"handles,omitempty"`
	Error      string       `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
