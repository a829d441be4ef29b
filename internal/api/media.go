package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
)

// Ограничения загрузки медиа.
const (
	MaxMediaFileSize = 20 << 20 // 20 MiB
	MaxMediaFiles    = domain.MaxMediaPerUnit

	// MaxUploadSize — предел всего multipart-запроса, общий для корня и
	// продолжений треда. Длинный тред с медиа упирается в него раньше, чем
	// в ограничения на unit.
	MaxUploadSize = 8*MaxMediaFileSize + 1<<20
)

var (
	errTooManyFiles     = fmt.Errorf("too many files, maximum is %d per post", MaxMediaFiles)
	errFileTooLarge     = fmt.Errorf("file too large, maximum size is %d MiB", MaxMediaFileSize>>20)
	errUploadTooLarge   = fmt.Errorf("request too large, total upload limit is %d MiB for the whole post", MaxUploadSize>>20)
	errUnsupportedMedia = errors.New("invalid file type, only JPEG, PNG, GIF, MP4 and MOV files are allowed")
)

// allowedMediaTypes — допустимые MIME-типы медиа.
var allowedMediaTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"video/mp4":       true,
	"video/quicktime": true,
}

// MediaStore сохраняет загруженные файлы в каталог MEDIA_DIR.
type MediaStore struct {
	dir string
}

// NewMediaStore создаёт MediaStore и каталог dir, если его нет.
func NewMediaStore(dir string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &MediaStore{dir: dir}, nil
}

// SaveAll проверяет и сохраняет файлы одного unit. При ошибке уже
// сохранённые файлы удаляются.
func (s *MediaStore) SaveAll(files []*multipart.FileHeader) ([]domain.MediaRef, error) {
	if len(files) > MaxMediaFiles {
		return nil, errTooManyFiles
	}

	refs := make([]domain.MediaRef, 0, len(files))
	for _, fh := range files {
		ref, err := s.save(fh)
		if err != nil {
			s.Remove(refs)
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *MediaStore) save(fh *multipart.FileHeader) (domain.MediaRef, error) {
	if fh.Size > MaxMediaFileSize {
		return domain.MediaRef{}, errFileTooLarge
	}

	mimeType := fh.Header.Get("Content-Type")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !allowedMediaTypes[mimeType] {
		return domain.MediaRef{}, errUnsupportedMedia
	}

	src, err := fh.Open()
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	// media-<unix ms>-<uuid><ext>
	filename := fmt.Sprintf("media-%d-%s%s", time.Now().UnixMilli(), uuid.New(), strings.ToLower(filepath.Ext(fh.Filename)))
	path := filepath.Join(s.dir, filename)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("create media file: %w", err)
	}

	size, err := io.Copy(dst, io.LimitReader(src, MaxMediaFileSize+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return domain.MediaRef{}, fmt.Errorf("write media file: %w", err)
	}
	if size > MaxMediaFileSize {
		os.Remove(path)
		return domain.MediaRef{}, errFileTooLarge
	}

	return domain.MediaRef{
		Path:     path,
		Filename: filename,
		MimeType: mimeType,
		Size:     size,
	}, nil
}

// Remove удаляет файлы, лежащие в каталоге MediaStore. Ошибки игнорируются:
// файл мог быть удалён раньше.
func (s *MediaStore) Remove(refs []domain.MediaRef) {
	dir := filepath.Clean(s.dir)
	for _, ref := range refs {
		if filepath.Dir(filepath.Clean(ref.Path)) != dir {
			continue
		}
		_ = os.Remove(ref.Path)
	}
}
