package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Herald/internal/domain"
)

// PostRepo — PostStore поверх Postgres.
type PostRepo struct {
	pool *pgxpool.Pool
}

// NewPostRepo создаёт новый PostRepo.
func NewPostRepo(pool *pgxpool.Pool) *PostRepo {
	return &PostRepo{pool: pool}
}

const postColumns = `
	id, text, media, is_thread, thread_posts, scheduled_time, cron_expr,
	cron_description, sent, sent_at, last_run, publishing_at, created_at, updated_at
`

// Create создаёт новый пост.
func (r *PostRepo) Create(ctx context.Context, post *domain.Post) error {
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	now := time.Now()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = post.CreatedAt
	}

	mediaJSON, threadJSON, err := marshalContent(post)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO posts (id, text, media, is_thread, thread_posts, scheduled_time, cron_expr,
		                   cron_description, sent, sent_at, last_run, publishing_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		post.ID,
		post.Text,
		mediaJSON,
		post.IsThread,
		threadJSON,
		post.ScheduledTime,
		nullString(post.CronExpr),
		nullString(post.CronDescription),
		post.Sent,
		post.SentAt,
		post.LastRun,
		post.PublishingAt,
		post.CreatedAt,
		post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get возвращает пост по ID.
func (r *PostRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`
	return scanPost(r.pool.QueryRow(ctx, query, id))
}

// Update применяет patch внутри транзакции: строка блокируется через
// SELECT ... FOR UPDATE, изменяется и записывается целиком.
func (r *PostRepo) Update(ctx context.Context, id uuid.UUID, patch PostPatch) (*domain.Post, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1 FOR UPDATE`
	post, err := scanPost(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	patch.Apply(post, time.Now())

	mediaJSON, threadJSON, err := marshalContent(post)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE posts
		SET text = $2, media = $3, is_thread = $4, thread_posts = $5, scheduled_time = $6,
		    cron_expr = $7, cron_description = $8, sent = $9, sent_at = $10, last_run = $11,
		    publishing_at = $12, updated_at = $13
		WHERE id = $1
	`,
		post.ID,
		post.Text,
		mediaJSON,
		post.IsThread,
		threadJSON,
		post.ScheduledTime,
		nullString(post.CronExpr),
		nullString(post.CronDescription),
		post.Sent,
		post.SentAt,
		post.LastRun,
		post.PublishingAt,
		post.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update post: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

// Delete удаляет пост.
func (r *PostRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAll возвращает все посты.
func (r *PostRepo) ListAll(ctx context.Context) ([]domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		ORDER BY scheduled_time ASC NULLS LAST, created_at ASC, id ASC
	`
	return r.list(ctx, query)
}

// ListDueOnce возвращает разовые посты, готовые к публикации.
func (r *PostRepo) ListDueOnce(ctx context.Context, now time.Time) ([]domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE cron_expr IS NULL
		  AND sent = FALSE
		  AND scheduled_time IS NOT NULL
		  AND scheduled_time <= $1
		ORDER BY scheduled_time ASC, created_at ASC, id ASC
	`
	return r.list(ctx, query, now)
}

// ListRecurring возвращает посты с cron-выражением.
func (r *PostRepo) ListRecurring(ctx context.Context) ([]domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE cron_expr IS NOT NULL
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query)
}

// ListInFlight возвращает посты с незакрытым маркером публикации.
func (r *PostRepo) ListInFlight(ctx context.Context) ([]domain.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE publishing_at IS NOT NULL
		ORDER BY publishing_at ASC
	`
	return r.list(ctx, query)
}

// --- Helpers ---

func (r *PostRepo) list(ctx context.Context, query string, args ...any) ([]domain.Post, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// scanPost сканирует строку в Post. pgx.Rows реализует pgx.Row,
// поэтому один helper обслуживает и QueryRow, и Query.
func scanPost(row pgx.Row) (*domain.Post, error) {
	var p domain.Post
	var mediaJSON, threadJSON []byte
	var cronExpr, cronDescription *string

	err := row.Scan(
		&p.ID,
		&p.Text,
		&mediaJSON,
		&p.IsThread,
		&threadJSON,
		&p.ScheduledTime,
		&cronExpr,
		&cronDescription,
		&p.Sent,
		&p.SentAt,
		&p.LastRun,
		&p.PublishingAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}

	if cronExpr != nil {
		p.CronExpr = *cronExpr
	}
	if cronDescription != nil {
		p.CronDescription = *cronDescription
	}
	if len(mediaJSON) > 0 {
		if err := json.Unmarshal(mediaJSON, &p.Media); err != nil {
			return nil, fmt.Errorf("unmarshal media: %w", err)
		}
	}
	if len(threadJSON) > 0 {
		if err := json.Unmarshal(threadJSON, &p.ThreadPosts); err != nil {
			return nil, fmt.Errorf("unmarshal thread posts: %w", err)
		}
	}
	if len(p.Media) == 0 {
		p.Media = nil
	}
	if len(p.ThreadPosts) == 0 {
		p.ThreadPosts = nil
	}

	return &p, nil
}

func marshalContent(post *domain.Post) ([]byte, []byte, error) {
	media := post.Media
	if media == nil {
		media = []domain.MediaRef{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal media: %w", err)
	}

	thread := post.ThreadPosts
	if thread == nil {
		thread = []domain.ThreadUnit{}
	}
	threadJSON, err := json.Marshal(thread)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal thread posts: %w", err)
	}

	return mediaJSON, threadJSON, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ PostStore = (*PostRepo)(nil)
var _ PostStore = (*MemoryStore)(nil)
