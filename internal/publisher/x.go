// Package publisher は承認済みの投稿を外部プラットフォームへ公開する。
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/hitoshi/curator/internal/model"
)

// MaxMedia は1投稿に添付できるメディアの上限。
const MaxMedia = 4

// DefaultBaseURL はX APIのベースURL。
const DefaultBaseURL = "https://api.x.com"

// ErrEmptyText は本文が空の投稿を拒否したことを示す。
var ErrEmptyText = errors.New("post text is empty")

// Result は公開結果。
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MediaDownloader はメディアURLの取得に使うHTTPクライアントを提供する。
type MediaDownloader interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Config はXClientの設定。
type Config struct {
	BaseURL      string
	AccessToken  string
	RatePerHour  int
	Timeout      time.Duration
	MaxMediaSize int64
}

// XClient はX API v2で投稿を作成する。
// 投稿はrate.Limiterで1時間あたりの上限に合わせて間隔を空ける。
type XClient struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	downloader   MediaDownloader
	limiter      *rate.Limiter
	logger       *slog.Logger
	timeout      time.Duration
	maxMediaSize int64
}

// NewXClient はXClientを生成する。
func NewXClient(cfg Config, downloader MediaDownloader, logger *slog.Logger) *XClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	perHour := cfg.RatePerHour
	if perHour <= 0 {
		perHour = 17
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxMedia := cfg.MaxMediaSize
	if maxMedia <= 0 {
		maxMedia = 5 << 20
	}
	return &XClient{
		baseURL:      base,
		token:        cfg.AccessToken,
		httpClient:   &http.Client{Timeout: timeout},
		downloader:   downloader,
		limiter:      rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), 1),
		logger:       logger,
		timeout:      timeout,
		maxMediaSize: maxMedia,
	}
}

type createPostRequest struct {
	Text  string           `json:"text"`
	Media *createPostMedia `json:"media,omitempty"`
}

type createPostMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type apiResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (r apiResponse) message() string {
	switch {
	case r.Detail != "":
		return r.Detail
	case len(r.Errors) > 0:
		return r.Errors[0].Message
	}
	return r.Title
}

// Publish はtextと最大4件のメディアで投稿する。
// APIが拒否した場合はSuccess=falseのResultを返し、errorはnilとする。
// errorを返すのはレート待機中のキャンセルなど、リクエストを送れなかった場合のみ。
func (c *XClient) Publish(ctx context.Context, text string, mediaURLs []string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > model.MaxContentLength {
		return Result{Error: fmt.Sprintf("text has %d characters, limit is %d", n, model.MaxContentLength)}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("wait for publish slot: %w", err)
	}

	mediaIDs := c.uploadAll(ctx, mediaURLs)

	payload := createPostRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &createPostMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	var decoded apiResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded)

	if resp.StatusCode >= 400 {
		msg := decoded.message()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("投稿がAPIに拒否されました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", msg),
		)
		return Result{Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)}, nil
	}
	if decoded.Data.ID == "" {
		return Result{Error: "response has no post id"}, nil
	}

	c.logger.Info("投稿を公開しました",
		slog.String("post_id", decoded.Data.ID),
		slog.Int("media_count", len(mediaIDs)),
	)
	return Result{Success: true, ID: decoded.Data.ID}, nil
}

// uploadAll は先頭からMaxMedia件までのメディアをアップロードする。
// 失敗したメディアはログを出して添付せずに続行する。
func (c *XClient) uploadAll(ctx context.Context, urls []string) []string {
	var ids []string
	for _, u := range urls {
		if len(ids) == MaxMedia {
			break
		}
		data, mimeType, err := c.download(ctx, u)
		if err != nil {
			c.logger.Warn("メディアの取得に失敗しました",
				slog.String("media_url", u),
				slog.String("error", err.Error()),
			)
			continue
		}
		id, err := c.UploadMedia(ctx, data, mimeType)
		if err != nil {
			c.logger.Warn("メディアのアップロードに失敗しました",
				slog.String("media_url", u),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *XClient) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if c.downloader == nil {
		return nil, "", errors.New("media download is not configured")
	}
	if err := c.downloader.ValidateURL(rawURL); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.downloader.NewSafeClient(c.timeout, c.maxMediaSize).Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMediaSize+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > c.maxMediaSize {
		return nil, "", fmt.Errorf("media exceeds %d bytes", c.maxMediaSize)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// UploadMedia はメディアをアップロードしてメディアIDを返す。
func (c *XClient) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("media_category", mediaCategory(mimeType)); err != nil {
		return "", err
	}
	if err := w.WriteField("media_type", mimeType); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("media", "upload")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/media/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload media: HTTP %d: %s", resp.StatusCode, decoded.message())
	}
	if decoded.Data.ID == "" {
		return "", errors.New("upload media: response has no media id")
	}
	return decoded.Data.ID, nil
}

func (c *XClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func mediaCategory(mimeType string) string {
	switch {
	case mimeType == "image/gif":
		return "tweet_gif"
	case strings.HasPrefix(mimeType, "video/"):
		return "tweet_video"
	}
	return "tweet_image"
}
