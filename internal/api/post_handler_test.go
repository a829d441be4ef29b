package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/scheduler"
)

// fakePublisher публикует всё успешно, кроме текстов из failOn.
type fakePublisher struct {
	mu     sync.Mutex
	n      int
	failOn map[string]bool
	texts  []string
}

func (f *fakePublisher) UploadMedia(_ context.Context, m domain.MediaRef) (domain.MediaHandle, error) {
	return domain.MediaHandle{ID: "blob:" + m.Filename, MimeType: m.MimeType, Size: m.Size}, nil
}

func (f *fakePublisher) Publish(_ context.Context, text string, _ []domain.MediaHandle, _ *domain.PostHandle) (domain.PostHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.texts = append(f.texts, text)
	if f.failOn[text] {
		return domain.PostHandle{}, errors.New("provider rejected post")
	}
	f.n++
	return domain.PostHandle{ID: fmt.Sprintf("at://post/%d", f.n)}, nil
}

type testEnv struct {
	h        *Handler
	mux      *http.ServeMux
	store    *repo.MemoryStore
	pub      *fakePublisher
	mediaDir string
}

var handlerNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repo.NewMemoryStore()
	pub := &fakePublisher{failOn: map[string]bool{}}
	matcher := scheduler.NewCronMatcher(time.UTC)

	d := scheduler.New(scheduler.Config{
		Store:     store,
		Publisher: pub,
		Matcher:   matcher,
		Workers:   1,
		QueueSize: 4,
		Now:       func() time.Time { return handlerNow },
	})
	t.Cleanup(d.Close)

	dir := t.TempDir()
	media, err := NewMediaStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	h := NewHandler(Config{
		Store:      store,
		Dispatcher: d,
		Matcher:    matcher,
		Media:      media,
	})
	h.now = func() time.Time { return handlerNow }

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testEnv{h: h, mux: mux, store: store, pub: pub, mediaDir: dir}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doMultipart(path string, build func(w *multipart.Writer)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	build(mw)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func addFile(t *testing.T, mw *multipart.Writer, field, filename, mimeType string, content []byte) {
	t.Helper()
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
}

func (e *testEnv) createPost(t *testing.T, p domain.Post) *domain.Post {
	t.Helper()
	if err := e.store.Create(context.Background(), &p); err != nil {
		t.Fatal(err)
	}
	return &p
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp.Error
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func at(t time.Time) *time.Time { return &t }

// --- Schedule ---

func TestSchedulePost_JSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/posts/schedule", map[string]any{
		"text":           "hello",
		"scheduled_time": "2026-03-01T13:00:00Z",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	post := decodeData[PostResponse](t, rec)
	if post.ID == uuid.Nil || post.Text != "hello" || post.Sent || post.Recurring {
		t.Errorf("unexpected post: %+v", post)
	}

	stored, err := env.store.Get(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("post not stored: %v", err)
	}
	if stored.ScheduledTime == nil || !stored.ScheduledTime.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected scheduled_time: %v", stored.ScheduledTime)
	}
}

func TestSchedulePost_RecurringHasNextRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/posts/schedule", map[string]any{
		"text":      "daily",
		"cron_expr": "0 12 * * *",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	post := decodeData[PostResponse](t, rec)
	if !post.Recurring {
		t.Error("post should be recurring")
	}
	want := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if post.NextRun == nil || !post.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", post.NextRun, want)
	}
}

func TestSchedulePost_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		code ErrorCode
	}{
		{"blank text", map[string]any{"text": "  ", "scheduled_time": "2026-03-01T13:00:00Z"}, ErrCodeValidation},
		{"no schedule", map[string]any{"text": "x"}, ErrCodeValidation},
		{"blank thread unit", map[string]any{
			"text": "x", "is_thread": true, "scheduled_time": "2026-03-01T13:00:00Z",
			"thread_posts": []map[string]string{{"text": ""}},
		}, ErrCodeValidation},
		{"malformed cron", map[string]any{"text": "x", "cron_expr": "every day"}, ErrCodeValidation},
		{"invalid json", "{not json", ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/posts/schedule", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Code; got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
		})
	}

	if all, _ := env.store.ListAll(context.Background()); len(all) != 0 {
		t.Errorf("invalid posts must not be stored, got %d", len(all))
	}
}

func TestSchedulePost_MultipartWithMedia(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "with pictures")
		mw.WriteField("is_thread", "true")
		mw.WriteField("thread_posts", `[{"text":"second"}]`)
		mw.WriteField("scheduled_time", "2026-03-01T13:00:00Z")
		addFile(t, mw, "media", "a.PNG", "image/png", []byte("png-bytes"))
		addFile(t, mw, "thread_media_0", "b.mp4", "video/mp4", []byte("mp4-bytes"))
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	post := decodeData[PostResponse](t, rec)
	stored, err := env.store.Get(context.Background(), post.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Media) != 1 || stored.Media[0].MimeType != "image/png" || stored.Media[0].Size != int64(len("png-bytes")) {
		t.Errorf("unexpected root media: %+v", stored.Media)
	}
	if !strings.HasSuffix(stored.Media[0].Filename, ".png") {
		t.Errorf("extension should be kept lowercase: %s", stored.Media[0].Filename)
	}
	if len(stored.ThreadPosts) != 1 || len(stored.ThreadPosts[0].Media) != 1 {
		t.Fatalf("unexpected thread posts: %+v", stored.ThreadPosts)
	}
	if countFiles(t, env.mediaDir) != 2 {
		t.Errorf("expected 2 files on disk")
	}

	// Путь на диске наружу не отдаётся
	if strings.Contains(rec.Body.String(), env.mediaDir) {
		t.Error("response must not expose media paths")
	}
}

func TestSchedulePost_MultipartRejectsBadMedia(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		mw.WriteField("scheduled_time", "2026-03-01T13:00:00Z")
		addFile(t, mw, "media", "doc.pdf", "application/pdf", []byte("pdf"))
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported type: expected 400, got %d", rec.Code)
	}

	rec = env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		mw.WriteField("scheduled_time", "2026-03-01T13:00:00Z")
		for i := 0; i <= MaxMediaFiles; i++ {
			addFile(t, mw, "media", fmt.Sprintf("%d.jpg", i), "image/jpeg", []byte("jpg"))
		}
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("too many files: expected 413, got %d", rec.Code)
	}

	// Отклонённый пост не оставляет файлов
	rec = env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		addFile(t, mw, "media", "a.gif", "image/gif", []byte("gif"))
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing schedule: expected 400, got %d", rec.Code)
	}

	// Видео вместе с картинкой не публикуется, поэтому не сохраняется
	rec = env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		mw.WriteField("scheduled_time", "2026-03-01T13:00:00Z")
		addFile(t, mw, "media", "clip.mp4", "video/mp4", []byte("mp4"))
		addFile(t, mw, "media", "a.png", "image/png", []byte("png"))
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("video with image: expected 400, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != ErrCodeValidation {
		t.Errorf("video with image: code = %s, want %s", got, ErrCodeValidation)
	}
	if all, _ := env.store.ListAll(context.Background()); len(all) != 0 {
		t.Errorf("invalid posts must not be stored, got %d", len(all))
	}
	if n := countFiles(t, env.mediaDir); n != 0 {
		t.Errorf("expected no files left, got %d", n)
	}
}

func TestSchedulePost_MultipartTotalLimit(t *testing.T) {
	env := newTestEnv(t)
	env.h.maxUpload = 4 << 10

	// Каждый unit в своих пределах, но тред целиком больше лимита
	chunk := bytes.Repeat([]byte("j"), 1<<10)
	rec := env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		mw.WriteField("is_thread", "true")
		mw.WriteField("thread_posts", `[{"text":"a"},{"text":"b"},{"text":"c"}]`)
		mw.WriteField("scheduled_time", "2026-03-01T13:00:00Z")
		for i := 0; i < 3; i++ {
			addFile(t, mw, fmt.Sprintf("thread_media_%d", i), fmt.Sprintf("%d.jpg", i), "image/jpeg", chunk)
			addFile(t, mw, fmt.Sprintf("thread_media_%d", i), fmt.Sprintf("%d-2.jpg", i), "image/jpeg", chunk)
		}
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeError(t, rec).Message; !strings.Contains(msg, "total upload limit") {
		t.Errorf("error should name the total limit, got %q", msg)
	}
	if n := countFiles(t, env.mediaDir); n != 0 {
		t.Errorf("expected no files left, got %d", n)
	}
	if all, _ := env.store.ListAll(context.Background()); len(all) != 0 {
		t.Errorf("rejected post must not be stored, got %d", len(all))
	}
}

// --- Read ---

func TestListAndGetPost(t *testing.T) {
	env := newTestEnv(t)

	later := env.createPost(t, domain.Post{Text: "later", ScheduledTime: at(handlerNow.Add(2 * time.Hour))})
	env.createPost(t, domain.Post{Text: "cron", CronExpr: "*/5 * * * *"})
	env.createPost(t, domain.Post{Text: "sooner", ScheduledTime: at(handlerNow.Add(time.Hour))})

	rec := env.do(http.MethodGet, "/api/v1/posts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Data  []PostResponse `json:"data"`
		Total int            `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 3 || list.Data[0].Text != "sooner" || list.Data[1].Text != "later" || list.Data[2].Text != "cron" {
		t.Errorf("unexpected list: %+v", list)
	}

	rec = env.do(http.MethodGet, "/api/v1/posts/"+later.ID.String(), nil)
	if rec.Code != http.StatusOK || decodeData[PostResponse](t, rec).Text != "later" {
		t.Errorf("get: unexpected response %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/posts/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/posts/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

// --- Update ---

func TestUpdatePost(t *testing.T) {
	env := newTestEnv(t)

	media := domain.MediaRef{Path: "m.png", Filename: "m.png", MimeType: "image/png", Size: 1}
	p := env.createPost(t, domain.Post{
		Text:          "before",
		IsThread:      true,
		ThreadPosts:   []domain.ThreadUnit{{Text: "one", Media: []domain.MediaRef{media}}, {Text: "two"}},
		ScheduledTime: at(handlerNow.Add(time.Hour)),
	})
	path := "/api/v1/posts/" + p.ID.String()

	rec := env.do(http.MethodPut, path, map[string]any{
		"text":         "after",
		"thread_posts": []map[string]string{{"text": "uno"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored, _ := env.store.Get(context.Background(), p.ID)
	if stored.Text != "after" {
		t.Errorf("text not updated: %q", stored.Text)
	}
	if len(stored.ThreadPosts) != 1 || stored.ThreadPosts[0].Text != "uno" {
		t.Fatalf("thread not replaced: %+v", stored.ThreadPosts)
	}
	if len(stored.ThreadPosts[0].Media) != 1 {
		t.Error("media of the same index must be kept")
	}
	if stored.ScheduledTime == nil {
		t.Error("untouched fields must be preserved")
	}
}

func TestUpdatePost_Rejects(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPost(t, domain.Post{Text: "x", ScheduledTime: at(handlerNow)})
	path := "/api/v1/posts/" + p.ID.String()

	if rec := env.do(http.MethodPut, path, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty update: expected 400, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, path, map[string]any{"cron_expr": "61 * * * *"}); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed cron: expected 400, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, path, map[string]any{"text": ""}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text: expected 400, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/api/v1/posts/"+uuid.NewString(), map[string]any{"text": "y"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}

	stored, _ := env.store.Get(context.Background(), p.ID)
	if stored.Text != "x" || stored.CronExpr != "" {
		t.Errorf("rejected updates must not change the post: %+v", stored)
	}
}

// --- Delete ---

func TestDeletePost_RemovesMedia(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doMultipart("/api/v1/posts/schedule", func(mw *multipart.Writer) {
		mw.WriteField("text", "x")
		mw.WriteField("cron_expr", "0 9 * * 1")
		addFile(t, mw, "media", "a.jpg", "image/jpeg", []byte("jpg"))
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	post := decodeData[PostResponse](t, rec)
	path := "/api/v1/posts/" + post.ID.String()

	if rec := env.do(http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if countFiles(t, env.mediaDir) != 0 {
		t.Error("media should be removed with the post")
	}
	if rec := env.do(http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted post: expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

// --- Send ---

func TestSendPost(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPost(t, domain.Post{
		Text:          "root",
		IsThread:      true,
		ThreadPosts:   []domain.ThreadUnit{{Text: "reply"}},
		ScheduledTime: at(handlerNow.Add(24 * time.Hour)),
	})
	path := "/api/v1/posts/" + p.ID.String() + "/send"

	rec := env.do(http.MethodPost, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeData[SendResponse](t, rec)
	if len(resp.Handles) != 2 || resp.Post == nil || !resp.Post.Sent {
		t.Errorf("unexpected send response: %+v", resp)
	}

	rec = env.do(http.MethodPost, path, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second send: expected 409, got %d", rec.Code)
	}
}

func TestSendPost_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pub.failOn["reply"] = true

	p := env.createPost(t, domain.Post{
		Text:          "root",
		IsThread:      true,
		ThreadPosts:   []domain.ThreadUnit{{Text: "reply"}},
		ScheduledTime: at(handlerNow.Add(time.Hour)),
	})

	rec := env.do(http.MethodPost, "/api/v1/posts/"+p.ID.String()+"/send", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	detail := decodeError(t, rec)
	if detail.Code != ErrCodePublishFailed || len(detail.Published) != 1 {
		t.Errorf("unexpected error detail: %+v", detail)
	}

	stored, _ := env.store.Get(context.Background(), p.ID)
	if stored.Sent || stored.PublishingAt != nil {
		t.Errorf("failed post must stay unsent without marker: %+v", stored)
	}
}

func TestSendPost_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodPost, "/api/v1/posts/"+uuid.NewString()+"/send", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- Publish now ---

func TestPublishNow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doMultipart("/api/v1/posts", func(mw *multipart.Writer) {
		mw.WriteField("text", "right now")
		addFile(t, mw, "media", "a.png", "image/png", []byte("png"))
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeData[SendResponse](t, rec)
	if len(resp.Handles) != 1 || resp.Post != nil {
		t.Errorf("unexpected response: %+v", resp)
	}

	if all, _ := env.store.ListAll(context.Background()); len(all) != 0 {
		t.Error("immediate publish must not store a post")
	}
	if countFiles(t, env.mediaDir) != 0 {
		t.Error("temporary media must be removed")
	}
}

func TestPublishNow_Failures(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodPost, "/api/v1/posts", map[string]any{"text": ""}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text: expected 400, got %d", rec.Code)
	}

	env.pub.failOn["boom"] = true
	rec := env.do(http.MethodPost, "/api/v1/posts", map[string]any{"text": "boom"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("provider failure: expected 502, got %d", rec.Code)
	}
}
