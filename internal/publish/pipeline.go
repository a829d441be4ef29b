package publish

import (
	"context"
	"log/slog"

	"github.com/shaiso/Herald/internal/domain"
)

// Publisher — удалённый API публикации.
//
// Реализация: bluesky.Client.
type Publisher interface {
	// UploadMedia загружает медиафайл и возвращает handle провайдера.
	UploadMedia(ctx context.Context, media domain.MediaRef) (domain.MediaHandle, error)

	// Publish публикует текст с медиа. Если replyTo не nil, пост публикуется
	// как ответ на replyTo.
	Publish(ctx context.Context, text string, media []domain.MediaHandle, replyTo *domain.PostHandle) (domain.PostHandle, error)
}

// Pipeline публикует упорядоченный список units как один пост или тред.
//
// Для каждого unit по порядку:
//  1. Загружает его медиа (в порядке массива)
//  2. Публикует текст с медиа; начиная со второго unit — ответом на
//     предыдущий опубликованный unit (не на корень)
//
// При первой ошибке останавливается. Уже опубликованные units не откатываются,
// их handles возвращаются в MediaUploadError/PublishAPIError.
// Pipeline не меняет локального состояния, переходы делает Dispatcher.
type Pipeline struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewPipeline создаёт Pipeline.
func NewPipeline(publisher Publisher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{publisher: publisher, logger: logger}
}

// Publish публикует units и возвращает по одному handle на каждый unit.
func (p *Pipeline) Publish(ctx context.Context, units []domain.ContentUnit) ([]domain.PostHandle, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}

	handles := make([]domain.PostHandle, 0, len(units))
	var replyTo *domain.PostHandle

	for i, unit := range units {
		mediaHandles := make([]domain.MediaHandle, 0, len(unit.Media))
		for j, m := range unit.Media {
			mh, err := p.publisher.UploadMedia(ctx, m)
			if err != nil {
				return nil, &MediaUploadError{
					UnitIndex:  i,
					MediaIndex: j,
					Published:  handles,
					Err:        err,
				}
			}
			mediaHandles = append(mediaHandles, mh)
		}

		handle, err := p.publisher.Publish(ctx, unit.Text, mediaHandles, replyTo)
		if err != nil {
			return nil, &PublishAPIError{
				UnitIndex: i,
				Published: handles,
				Err:       err,
			}
		}

		p.logger.Debug("unit published",
			"unit", i,
			"units_total", len(units),
			"handle", handle.ID,
			"media", len(mediaHandles),
		)

		handles = append(handles, handle)
		prev := handle
		replyTo = &prev
	}

	return handles, nil
}
