package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
)

// MemoryStore — PostStore в памяти процесса.
//
// Используется в тестах и в режиме STORE=memory для локальной разработки.
// Все записи хранятся копиями: изменения возвращённого поста не влияют на хранилище.
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[uuid.UUID]*domain.Post
	now   func() time.Time
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts: make(map[uuid.UUID]*domain.Post),
		now:   time.Now,
	}
}

// Create сохраняет новый пост.
func (s *MemoryStore) Create(_ context.Context, post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if _, ok := s.posts[post.ID]; ok {
		return ErrAlreadyExists
	}

	now := s.now()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = post.CreatedAt
	}

	s.posts[post.ID] = clonePost(post)
	return nil
}

// Get возвращает пост по ID.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePost(p), nil
}

// Update применяет patch к посту.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch PostPatch) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}

	updated := clonePost(p)
	patch.Apply(updated, s.now())
	s.posts[id] = updated

	return clonePost(updated), nil
}

// Delete удаляет пост.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

// ListAll возвращает все посты.
func (s *MemoryStore) ListAll(_ context.Context) ([]domain.Post, error) {
	return s.filter(func(*domain.Post) bool { return true }), nil
}

// ListDueOnce возвращает разовые посты, готовые к публикации.
func (s *MemoryStore) ListDueOnce(_ context.Context, now time.Time) ([]domain.Post, error) {
	return s.filter(func(p *domain.Post) bool { return p.IsDueOnce(now) }), nil
}

// ListRecurring возвращает посты с cron-выражением.
func (s *MemoryStore) ListRecurring(_ context.Context) ([]domain.Post, error) {
	return s.filter(func(p *domain.Post) bool { return p.IsRecurring() }), nil
}

// ListInFlight возвращает посты с маркером PublishingAt.
func (s *MemoryStore) ListInFlight(_ context.Context) ([]domain.Post, error) {
	return s.filter(func(p *domain.Post) bool { return p.PublishingAt != nil }), nil
}

func (s *MemoryStore) filter(keep func(*domain.Post) bool) []domain.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Post
	for _, p := range s.posts {
		if keep(p) {
			out = append(out, *clonePost(p))
		}
	}
	sortByScheduledTime(out)
	return out
}

// sortByScheduledTime сортирует по scheduled_time ASC, посты без времени — в конце.
// При равенстве порядок задаёт created_at, затем ID.
func sortByScheduledTime(posts []domain.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i].ScheduledTime, posts[j].ScheduledTime
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.Before(posts[j].CreatedAt)
		}
		return posts[i].ID.String() < posts[j].ID.String()
	})
}
