package domain

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MaxMediaPerUnit — максимум медиа на один unit (корень или продолжение треда).
const MaxMediaPerUnit = 4

// ValidationError — запись не прошла валидацию и не должна попасть в хранилище.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

// NewValidationError создаёт ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError проверяет, является ли err ошибкой валидации.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var notBlank = validation.By(func(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
})

// Validate проверяет пост перед сохранением.
//
// Проверяется:
//   - содержимое (см. ValidateContent)
//   - задан хотя бы один из scheduled_time / cron_expr
//
// Синтаксис cron-выражения проверяется отдельно (scheduler.ValidateCronExpr).
func (p *Post) Validate() error {
	if err := p.ValidateContent(); err != nil {
		return err
	}
	err := validation.ValidateStruct(p,
		validation.Field(&p.ScheduledTime,
			validation.When(p.CronExpr == "", validation.Required.Error("either scheduled_time or cron_expr is required")),
		),
	)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// ValidateContent проверяет только публикуемое содержимое: text непустой,
// у каждого unit не больше MaxMediaPerUnit медиа, продолжения треда с текстом.
// Видео в unit допускается только одно и без других медиа.
func (p *Post) ValidateContent() error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Text, validation.Required, notBlank),
		validation.Field(&p.Media, validation.Length(0, MaxMediaPerUnit), videoAlone, validation.Each(validation.By(validateMedia))),
		validation.Field(&p.ThreadPosts, validation.Each(validation.By(validateThreadUnit))),
	)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func validateThreadUnit(value any) error {
	u, ok := value.(ThreadUnit)
	if !ok {
		return errors.New("must be a thread unit")
	}
	return validation.ValidateStruct(&u,
		validation.Field(&u.Text, validation.Required, notBlank),
		validation.Field(&u.Media, validation.Length(0, MaxMediaPerUnit), videoAlone, validation.Each(validation.By(validateMedia))),
	)
}

var videoAlone = validation.By(func(value any) error {
	media, _ := value.([]MediaRef)
	for _, m := range media {
		if m.IsVideo() && len(media) > 1 {
			return errors.New("video cannot be combined with other media")
		}
	}
	return nil
})

func validateMedia(value any) error {
	m, ok := value.(MediaRef)
	if !ok {
		return errors.New("must be a media reference")
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.Required),
		validation.Field(&m.MimeType, validation.Required),
	)
}
