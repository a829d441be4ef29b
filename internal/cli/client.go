package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// MediaResponse — медиафайл поста.
type MediaResponse struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ThreadUnitResponse — продолжение треда.
type ThreadUnitResponse struct {
	Text  string          `json:"text"`
	Media []MediaResponse `json:"media,omitempty"`
}

// PostResponse — пост из API.
type PostResponse struct {
	ID              string               `json:"id"`
	Text            string               `json:"text"`
	Media           []MediaResponse      `json:"media,omitempty"`
	IsThread        bool                 `json:"is_thread"`
	ThreadPosts     []ThreadUnitResponse `json:"thread_posts,omitempty"`
	Recurring       bool                 `json:"recurring"`
	ScheduledTime   string               `json:"scheduled_time,omitempty"`
	CronExpr        string               `json:"cron_expr,omitempty"`
	CronDescription string               `json:"cron_description,omitempty"`
	NextRun         string               `json:"next_run,omitempty"`
	Sent            bool                 `json:"sent"`
	SentAt          string               `json:"sent_at,omitempty"`
	LastRun         string               `json:"last_run,omitempty"`
	CreatedAt       string               `json:"created_at"`
	UpdatedAt       string               `json:"updated_at"`
}

// PostHandle — опубликованный у провайдера пост.
type PostHandle struct {
	ID      string `json:"id"`
	Ref     string `json:"ref,omitempty"`
	RootID  string `json:"root_id,omitempty"`
	RootRef string `json:"root_ref,omitempty"`
}

// SendResponse — результат публикации.
type SendResponse struct {
	Post    *PostResponse `json:"post,omitempty"`
	Handles []PostHandle  `json:"handles"`
}

// --- Request types ---

// ThreadUnitRequest — продолжение треда.
type ThreadUnitRequest struct {
	Text string `json:"text"`
}

// PostRequest — создание отложенного поста или немедленная публикация.
type PostRequest struct {
	Text            string              `json:"text"`
	IsThread        bool                `json:"is_thread"`
	ThreadPosts     []ThreadUnitRequest `json:"thread_posts,omitempty"`
	ScheduledTime   *time.Time          `json:"scheduled_time,omitempty"`
	CronExpr        string              `json:"cron_expr,omitempty"`
	CronDescription string              `json:"cron_description,omitempty"`

	// Файлы на локальном диске. Если заданы, запрос уходит как multipart.
	Media       []string         `json:"-"`
	ThreadMedia map[int][]string `json:"-"`
}

// UpdatePostRequest — частичное обновление поста.
type UpdatePostRequest struct {
	Text            *string              `json:"text,omitempty"`
	IsThread        *bool                `json:"is_thread,omitempty"`
	ThreadPosts     *[]ThreadUnitRequest `json:"thread_posts,omitempty"`
	ScheduledTime   *time.Time           `json:"scheduled_time,omitempty"`
	CronExpr        *string              `json:"cron_expr,omitempty"`
	CronDescription *string              `json:"cron_description,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code      string       `json:"code"`
		Message   string       `json:"message"`
		Published []PostHandle `json:"published,omitempty"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая сервером.
type APIError struct {
	Status  int
	Code    string
	Message string

	// Published — посты треда, опубликованные до сбоя.
	Published []PostHandle
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Herald API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Публикация треда с видео может идти долго
			Timeout: 2 * time.Minute,
		},
	}
}

// ListPosts возвращает все посты.
func (c *Client) ListPosts() ([]PostResponse, error) {
	var posts []PostResponse
	err := c.list("/api/v1/posts", &posts)
	return posts, err
}

// GetPost возвращает пост по ID.
func (c *Client) GetPost(id string) (*PostResponse, error) {
	var post PostResponse
	err := c.doData(http.MethodGet, "/api/v1/posts/"+id, nil, &post)
	return &post, err
}

// SchedulePost создаёт отложенный пост.
func (c *Client) SchedulePost(req PostRequest) (*PostResponse, error) {
	var post PostResponse
	err := c.submit("/api/v1/posts/schedule", req, &post)
	return &post, err
}

// PublishNow публикует пост немедленно, не сохраняя его.
func (c *Client) PublishNow(req PostRequest) (*SendResponse, error) {
	var res SendResponse
	err := c.submit("/api/v1/posts", req, &res)
	return &res, err
}

// UpdatePost обновляет пост.
func (c *Client) UpdatePost(id string, req UpdatePostRequest) (*PostResponse, error) {
	var post PostResponse
	err := c.doData(http.MethodPut, "/api/v1/posts/"+id, req, &post)
	return &post, err
}

// DeletePost удаляет пост.
func (c *Client) DeletePost(id string) error {
	return c.doData(http.MethodDelete, "/api/v1/posts/"+id, nil, nil)
}

// SendPost публикует сохранённый пост немедленно.
func (c *Client) SendPost(id string) (*SendResponse, error) {
	var res SendResponse
	err := c.doData(http.MethodPost, "/api/v1/posts/"+id+"/send", nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) submit(path string, req PostRequest, result any) error {
	if len(req.Media) == 0 && len(req.ThreadMedia) == 0 {
		return c.doData(http.MethodPost, path, req, result)
	}

	body, contentType, err := buildMultipart(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

// buildMultipart собирает тело multipart/form-data в формате, который
// принимает сервер: поля поста и файлы media / thread_media_<N>.
func buildMultipart(req PostRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mw.WriteField("text", req.Text)
	mw.WriteField("is_thread", strconv.FormatBool(req.IsThread))
	if len(req.ThreadPosts) > 0 {
		data, err := json.Marshal(req.ThreadPosts)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal thread posts: %w", err)
		}
		mw.WriteField("thread_posts", string(data))
	}
	if req.ScheduledTime != nil {
		mw.WriteField("scheduled_time", req.ScheduledTime.Format(time.RFC3339))
	}
	if req.CronExpr != "" {
		mw.WriteField("cron_expr", req.CronExpr)
	}
	if req.CronDescription != "" {
		mw.WriteField("cron_description", req.CronDescription)
	}

	for _, path := range req.Media {
		if err := attachFile(mw, "media", path); err != nil {
			return nil, "", err
		}
	}
	for idx, paths := range req.ThreadMedia {
		for _, path := range paths {
			if err := attachFile(mw, "thread_media_"+strconv.Itoa(idx), path); err != nil {
				return nil, "", err
			}
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func attachFile(mw *multipart.Writer, field, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read media file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(path)))
	h.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func (c *Client) list(path string, result any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return apiErr
	}

	apiErr.Code = er.Error.Code
	apiErr.Message = er.Error.Message
	apiErr.Published = er.Error.Published
	return apiErr
}
