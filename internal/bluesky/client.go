package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Herald/internal/domain"
)

const (
	// DefaultPDS — PDS по умолчанию.
	DefaultPDS = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
)

// ErrVideoWithOtherMedia — видео нельзя прикрепить вместе с другими медиа.
var ErrVideoWithOtherMedia = errors.New("video cannot be combined with other media in one post")

// APIError — ответ XRPC с кодом не 2xx.
type APIError struct {
	Status  int
	Code    string // поле "error" ответа, например "ExpiredToken"
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// Config — конфигурация Client.
type Config struct {
	PDS        string // default: https://bsky.social
	Identifier string // handle или DID
	Password   string // App Password
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client — Publisher поверх AT Protocol XRPC API.
//
// Сессия создаётся лениво при первом вызове и пересоздаётся один раз,
// если PDS ответил ExpiredToken.
type Client struct {
	pds        string
	identifier string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	accessJwt string
	did       string
}

// NewClient создаёт Client.
func NewClient(cfg Config) *Client {
	pds := strings.TrimRight(cfg.PDS, "/")
	if pds == "" {
		pds = DefaultPDS
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		pds:        pds,
		identifier: cfg.Identifier,
		password:   cfg.Password,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Login создаёт сессию через com.atproto.server.createSession.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	body := map[string]string{
		"identifier": c.identifier,
		"password":   c.password,
	}

	var resp createSessionResponse
	if err := c.do(ctx, "/xrpc/com.atproto.server.createSession", "application/json", body, "", &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.logger.Info("bluesky session created", "did", resp.DID, "handle", resp.Handle)
	return nil
}

// DID возвращает DID аккаунта. Пусто до первого входа.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// BlobRef — ссылка AT Protocol на загруженный blob.
type BlobRef struct {
	Type string `json:"$type"`
	Ref  struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// UploadMedia читает файл media.Path и загружает его через com.atproto.repo.uploadBlob.
func (c *Client) UploadMedia(ctx context.Context, media domain.MediaRef) (domain.MediaHandle, error) {
	data, err := os.ReadFile(media.Path)
	if err != nil {
		return domain.MediaHandle{}, fmt.Errorf("read media file: %w", err)
	}

	var resp uploadBlobResponse
	err = c.call(ctx, "/xrpc/com.atproto.repo.uploadBlob", media.MimeType, data, &resp)
	if err != nil {
		return domain.MediaHandle{}, fmt.Errorf("upload blob: %w", err)
	}

	c.logger.Debug("blob uploaded",
		"path", media.Path,
		"mime_type", media.MimeType,
		"cid", resp.Blob.Ref.Link,
	)

	blob := resp.Blob
	return domain.MediaHandle{
		ID:       blob.Ref.Link,
		MimeType: blob.MimeType,
		Size:     blob.Size,
		Raw:      blob,
	}, nil
}

// Publish создаёт запись app.bsky.feed.post.
//
// Если replyTo задан, пост становится ответом: parent — replyTo, root —
// корень треда replyTo (или сам replyTo, если он корневой).
func (c *Client) Publish(ctx context.Context, text string, media []domain.MediaHandle, replyTo *domain.PostHandle) (domain.PostHandle, error) {
	record := postRecord{
		Type:      postCollection,
		Text:      text,
		CreatedAt: c.now().UTC().Format(time.RFC3339Nano),
	}

	embed, err := buildEmbed(media)
	if err != nil {
		return domain.PostHandle{}, err
	}
	record.Embed = embed

	var handle domain.PostHandle
	if replyTo != nil {
		root := strongRef{URI: replyTo.RootID, CID: replyTo.RootRef}
		if root.URI == "" {
			root = strongRef{URI: replyTo.ID, CID: replyTo.Ref}
		}
		record.Reply = &replyRef{
			Root:   root,
			Parent: strongRef{URI: replyTo.ID, CID: replyTo.Ref},
		}
		handle.RootID = root.URI
		handle.RootRef = root.CID
	}

	var resp createRecordResponse
	err = c.call(ctx, "/xrpc/com.atproto.repo.createRecord", "application/json", func(did string) any {
		return createRecordRequest{
			Repo:       did,
			Collection: postCollection,
			Record:     record,
		}
	}, &resp)
	if err != nil {
		return domain.PostHandle{}, fmt.Errorf("create record: %w", err)
	}

	handle.ID = resp.URI
	handle.Ref = resp.CID
	return handle, nil
}

// buildEmbed собирает embed из загруженных медиа: до четырёх картинок или одно видео.
func buildEmbed(media []domain.MediaHandle) (any, error) {
	if len(media) == 0 {
		return nil, nil
	}

	var images []imageEmbed
	var video *BlobRef
	for _, m := range media {
		blob, ok := m.Raw.(BlobRef)
		if !ok {
			blob = BlobRef{Type: "blob", MimeType: m.MimeType, Size: m.Size}
			blob.Ref.Link = m.ID
		}

		if strings.HasPrefix(m.MimeType, "video/") {
			if video != nil || len(media) > 1 {
				return nil, ErrVideoWithOtherMedia
			}
			v := blob
			video = &v
			continue
		}
		images = append(images, imageEmbed{Image: blob})
	}

	if video != nil {
		return videoEmbed{Type: "app.bsky.embed.video", Video: *video}, nil
	}
	return imagesEmbed{Type: "app.bsky.embed.images", Images: images}, nil
}

// call выполняет авторизованный запрос. body может быть функцией от DID:
// тело строится после входа. При ExpiredToken сессия пересоздаётся один раз.
func (c *Client) call(ctx context.Context, path, contentType string, body any, result any) error {
	c.mu.Lock()
	if c.accessJwt == "" {
		if err := c.loginLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	token, did := c.accessJwt, c.did
	c.mu.Unlock()

	err := c.do(ctx, path, contentType, resolveBody(body, did), token, result)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "ExpiredToken" {
		return err
	}

	c.logger.Info("bluesky session expired, logging in again")

	c.mu.Lock()
	if c.accessJwt == token {
		if err := c.loginLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	token, did = c.accessJwt, c.did
	c.mu.Unlock()

	return c.do(ctx, path, contentType, resolveBody(body, did), token, result)
}

func resolveBody(body any, did string) any {
	if build, ok := body.(func(string) any); ok {
		return build(did)
	}
	return body
}

func (c *Client) do(ctx context.Context, path, contentType string, body any, token string, result any) error {
	var payload []byte
	switch b := body.(type) {
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pds+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var xrpcErr xrpcErrorResponse
		if json.Unmarshal(respBody, &xrpcErr) == nil && xrpcErr.Error != "" {
			apiErr.Code = xrpcErr.Error
			apiErr.Message = xrpcErr.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// --- Wire types ---

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type uploadBlobResponse struct {
	Blob BlobRef `json:"blob"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type xrpcErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *replyRef `json:"reply,omitempty"`
	Embed     any       `json:"embed,omitempty"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

type imagesEmbed struct {
	Type   string       `json:"$type"`
	Images []imageEmbed `json:"images"`
}

type imageEmbed struct {
	Image BlobRef `json:"image"`
	Alt   string  `json:"alt"`
}

type videoEmbed struct {
	Type  string  `json:"$type"`
	Video BlobRef `json:"video"`
}
