package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/scheduler"
	"github.com/shaiso/Herald/internal/telemetry"
)

const multipartMemory = 32 << 20

// errInvalidBody — тело запроса не разбирается.
var errInvalidBody = errors.New("invalid request body")

// ListPosts возвращает все посты: сначала по scheduled_time, повторяющиеся в конце.
// GET /api/v1/posts
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.store.ListAll(r.Context())
	if HandleError(w, h.log(r), err, "") {
		return
	}

	now := h.now()
	result := make([]PostResponse, len(posts))
	for i := range posts {
		result[i] = PostFromDomain(&posts[i], h.matcher, now)
	}

	List(w, result, len(result))
}

// GetPost возвращает пост по ID.
// GET /api/v1/posts/{id}
func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	post, err := h.store.Get(r.Context(), id)
	if HandleError(w, h.log(r), err, "post not found") {
		return
	}

	Success(w, PostFromDomain(post, h.matcher, h.now()))
}

// SchedulePost создаёт отложенный пост (JSON или multipart с файлами).
// POST /api/v1/posts/schedule
func (h *Handler) SchedulePost(w http.ResponseWriter, r *http.Request) {
	in, err := h.readPostInput(w, r)
	if HandleError(w, h.log(r), err, "") {
		return
	}

	post := in.post()
	if err := validateSchedule(post); err != nil {
		h.removeMedia(in)
		HandleError(w, h.log(r), err, "")
		return
	}

	if err := h.store.Create(r.Context(), post); err != nil {
		h.removeMedia(in)
		HandleError(w, h.log(r), err, "")
		return
	}

	h.log(r).Info("post scheduled",
		"post_id", post.ID,
		"recurring", post.IsRecurring(),
		"units", len(post.Units()),
	)

	Created(w, PostFromDomain(post, h.matcher, h.now()))
}

// PublishNow публикует контент немедленно, без сохранения записи.
// POST /api/v1/posts
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	in, err := h.readPostInput(w, r)
	if HandleError(w, h.log(r), err, "") {
		return
	}
	// Файлы нужны только на время публикации
	defer h.removeMedia(in)

	post := in.post()
	if err := post.ValidateContent(); err != nil {
		HandleError(w, h.log(r), err, "")
		return
	}

	handles, err := h.dispatcher.PublishUnits(r.Context(), post.Units())
	if HandleError(w, h.log(r), err, "") {
		return
	}

	Created(w, SendResponse{Handles: handles})
}

// UpdatePost частично обновляет пост.
// PUT /api/v1/posts/{id}
func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req UpdatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.IsEmpty() {
		BadRequest(w, "at least one field is required to update")
		return
	}

	current, err := h.store.Get(r.Context(), id)
	if HandleError(w, h.log(r), err, "post not found") {
		return
	}

	patch, orphaned := buildPatch(current, req)

	// Проверяем пост в том виде, каким он станет после изменения
	merged := *current
	patch.Apply(&merged, h.now())
	if err := validateSchedule(&merged); err != nil {
		HandleError(w, h.log(r), err, "")
		return
	}

	updated, err := h.store.Update(r.Context(), id, patch)
	if HandleError(w, h.log(r), err, "post not found") {
		return
	}
	if h.media != nil {
		h.media.Remove(orphaned)
	}

	h.log(r).Info("post updated", "post_id", id)
	Success(w, PostFromDomain(updated, h.matcher, h.now()))
}

// DeletePost удаляет пост и его медиафайлы.
// DELETE /api/v1/posts/{id}
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	post, err := h.store.Get(r.Context(), id)
	if HandleError(w, h.log(r), err, "post not found") {
		return
	}

	if err := h.store.Delete(r.Context(), id); HandleError(w, h.log(r), err, "post not found") {
		return
	}

	if h.media != nil {
		h.media.Remove(post.Media)
		for _, tp := range post.ThreadPosts {
			h.media.Remove(tp.Media)
		}
	}

	h.log(r).Info("post deleted", "post_id", id)
	NoContent(w)
}

// SendPost публикует пост немедленно, минуя расписание.
// POST /api/v1/posts/{id}/send
func (h *Handler) SendPost(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	res, err := h.dispatcher.SendNow(r.Context(), id)
	if HandleError(w, h.log(r), err, "post not found") {
		return
	}

	resp := PostFromDomain(res.Post, h.matcher, h.now())
	Success(w, SendResponse{Post: &resp, Handles: res.Handles})
}

// --- Helpers ---

// log возвращает логгер запроса с request_id (см. Logging).
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context())
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid post id")
		return uuid.Nil, false
	}
	return id, true
}

// validateSchedule проверяет пост и синтаксис его cron-выражения.
func validateSchedule(post *domain.Post) error {
	if err := post.Validate(); err != nil {
		return err
	}
	if post.CronExpr != "" {
		if err := scheduler.ValidateCronExpr(post.CronExpr); err != nil {
			return err
		}
	}
	return nil
}

// buildPatch строит PostPatch из запроса. Возвращает также медиа
// продолжений треда, которые исчезают после замены thread_posts.
func buildPatch(current *domain.Post, req UpdatePostRequest) (repo.PostPatch, []domain.MediaRef) {
	patch := repo.PostPatch{
		Text:            req.Text,
		IsThread:        req.IsThread,
		ScheduledTime:   req.ScheduledTime,
		CronExpr:        req.CronExpr,
		CronDescription: req.CronDescription,
	}

	var orphaned []domain.MediaRef
	if req.ThreadPosts != nil {
		units := make([]domain.ThreadUnit, len(*req.ThreadPosts))
		for i, u := range *req.ThreadPosts {
			units[i].Text = u.Text
			if i < len(current.ThreadPosts) {
				units[i].Media = current.ThreadPosts[i].Media
			}
		}
		for i := len(units); i < len(current.ThreadPosts); i++ {
			orphaned = append(orphaned, current.ThreadPosts[i].Media...)
		}
		patch.ThreadPosts = &units
	}

	return patch, orphaned
}

// postInput — разобранный запрос создания или немедленной публикации.
type postInput struct {
	req         SchedulePostRequest
	media       []domain.MediaRef
	threadMedia map[int][]domain.MediaRef
}

func (in *postInput) post() *domain.Post {
	post := &domain.Post{
		Text:            in.req.Text,
		Media:           in.media,
		IsThread:        in.req.IsThread,
		ScheduledTime:   in.req.ScheduledTime,
		CronExpr:        in.req.CronExpr,
		CronDescription: in.req.CronDescription,
	}
	for i, u := range in.req.ThreadPosts {
		post.ThreadPosts = append(post.ThreadPosts, domain.ThreadUnit{
			Text:  u.Text,
			Media: in.threadMedia[i],
		})
	}
	return post
}

func (h *Handler) removeMedia(in *postInput) {
	if h.media == nil {
		return
	}
	h.media.Remove(in.media)
	for _, m := range in.threadMedia {
		h.media.Remove(m)
	}
}

// readPostInput разбирает JSON или multipart/form-data.
//
// Поля multipart: text, is_thread, thread_posts (JSON-массив {"text": ...}),
// scheduled_time (RFC 3339), cron_expr, cron_description; файлы: media для
// корня, thread_media_<N> для продолжения N (с нуля). Всё тело ограничено
// MaxUploadSize.
func (h *Handler) readPostInput(w http.ResponseWriter, r *http.Request) (*postInput, error) {
	in := &postInput{threadMedia: map[int][]domain.MediaRef{}}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(&in.req); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
		}
		return in, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errUploadTooLarge
		}
		return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	defer r.MultipartForm.RemoveAll()

	form := r.MultipartForm
	field := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	in.req.Text = field("text")
	in.req.CronExpr = field("cron_expr")
	in.req.CronDescription = field("cron_description")

	if v := field("is_thread"); v != "" {
		isThread, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: is_thread must be a boolean", errInvalidBody)
		}
		in.req.IsThread = isThread
	}
	if v := field("scheduled_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduled_time must be RFC 3339", errInvalidBody)
		}
		in.req.ScheduledTime = &t
	}
	if v := field("thread_posts"); v != "" {
		if err := json.Unmarshal([]byte(v), &in.req.ThreadPosts); err != nil {
			return nil, fmt.Errorf("%w: thread_posts must be a JSON array", errInvalidBody)
		}
	}

	files := len(form.File["media"])
	for i := range in.req.ThreadPosts {
		files += len(form.File[threadMediaField(i)])
	}
	if files == 0 {
		return in, nil
	}
	if h.media == nil {
		return nil, fmt.Errorf("%w: media uploads are disabled", errInvalidBody)
	}

	media, err := h.media.SaveAll(form.File["media"])
	if err != nil {
		return nil, err
	}
	in.media = media

	for i := range in.req.ThreadPosts {
		refs, err := h.media.SaveAll(form.File[threadMediaField(i)])
		if err != nil {
			h.removeMedia(in)
			return nil, err
		}
		if len(refs) > 0 {
			in.threadMedia[i] = refs
		}
	}

	return in, nil
}

func threadMediaField(i int) string {
	return "thread_media_" + strconv.Itoa(i)
}
