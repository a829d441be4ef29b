package publish

import (
	"errors"
	"fmt"

	"github.com/shaiso/Herald/internal/domain"
)

// ErrNoUnits — нечего публиковать.
var ErrNoUnits = errors.New("no content units to publish")

// MediaUploadError — загрузка медиа к провайдеру не удалась.
// Публикация прерывается; units до UnitIndex уже опубликованы (см. Published).
type MediaUploadError struct {
	UnitIndex  int
	MediaIndex int
	Published  []domain.PostHandle
	Err        error
}

func (e *MediaUploadError) Error() string {
	return fmt.Sprintf("upload media %d of unit %d: %v", e.MediaIndex, e.UnitIndex, e.Err)
}

func (e *MediaUploadError) Unwrap() error { return e.Err }

// PublishAPIError — вызов публикации у провайдера не удался.
//
// Published содержит handles units, опубликованных до сбоя. Откат не выполняется:
// частично опубликованный тред остаётся как есть.
type PublishAPIError struct {
	UnitIndex int
	Published []domain.PostHandle
	Err       error
}

func (e *PublishAPIError) Error() string {
	return fmt.Sprintf("publish unit %d (%d already published): %v", e.UnitIndex, len(e.Published), e.Err)
}

func (e *PublishAPIError) Unwrap() error { return e.Err }

// PartialHandles возвращает handles, опубликованные до ошибки err.
// Для ошибок, не связанных с pipeline, возвращает nil.
func PartialHandles(err error) []domain.PostHandle {
	var pe *PublishAPIError
	if errors.As(err, &pe) {
		return pe.Published
	}
	var me *MediaUploadError
	if errors.As(err, &me) {
		return me.Published
	}
	return nil
}
