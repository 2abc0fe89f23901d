package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/curator/internal/pipeline"
	"github.com/hitoshi/curator/internal/settings"
)

// maxScrapeCount は1回の取り込みで要求できる件数の上限。
const maxScrapeCount = 100

// ScrapeRunner は取り込み処理の実行インターフェース。
type ScrapeRunner interface {
	Run(ctx context.Context, requested int, s settings.Settings, emit pipeline.EmitFunc) (pipeline.Counters, error)
	Abort() pipeline.AbortFlag
}

// SettingsProvider は現在の設定を返す。
type SettingsProvider interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// ScrapeHandler は取り込み処理の開始・中断のHTTPハンドラー。
// 進捗は1行1イベントのNDJSONでストリーミングする。
type ScrapeHandler struct {
	runner   ScrapeRunner
	settings SettingsProvider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScrapeHandler はScrapeHandlerを生成する。
func NewScrapeHandler(runner ScrapeRunner, provider SettingsProvider, timeout time.Duration, logger *slog.Logger) *ScrapeHandler {
	return &ScrapeHandler{
		runner:   runner,
		settings: provider,
		timeout:  timeout,
		logger:   logger,
	}
}

// scrapeRequest は取り込み開始リクエストのボディ。
type scrapeRequest struct {
	Count int `json:"count"`
}

// StartScrape は取り込み処理を実行し、進捗をNDJSONで返す。
// クライアントが切断すると実行は中断する。処理中の1件だけは最後まで行う。
// 切断せずに止める場合は中断フラグを使う。
// POST /api/scrape
func (h *ScrapeHandler) StartScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Count < 0 {
		req.Count = 0
	}
	if req.Count > maxScrapeCount {
		req.Count = maxScrapeCount
	}

	s, err := h.settings.Current(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Count == 0 {
		req.Count = s.ScrapeCount
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := newEventStream(w, h.logger)

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	if _, err := h.runner.Run(ctx, req.Count, s, stream.emit); err != nil && !errors.Is(err, pipeline.ErrRunInProgress) {
		h.logger.Warn("取り込み処理がエラーで終了しました", slog.String("error", err.Error()))
	}
}

// AbortScrape は実行中の取り込みに中断を要求する。何度呼んでもよい。
// POST /api/scrape/abort
func (h *ScrapeHandler) AbortScrape(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Abort().Set(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	h.logger.Info("取り込みの中断が要求されました")
	writeJSON(w, http.StatusAccepted, map[string]bool{"aborted": true})
}

// ClearAbort は中断要求を取り消す。
// DELETE /api/scrape/abort
func (h *ScrapeHandler) ClearAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Abort().Clear(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": false})
}

// eventStream はイベントを1行ずつ書き込んでフラッシュする。
// 書き込みに失敗した後はクライアントが切断したものとして以降の書き込みを捨てる。
type eventStream struct {
	enc    *json.Encoder
	rc     *http.ResponseController
	logger *slog.Logger
	broken bool
}

func newEventStream(w http.ResponseWriter, logger *slog.Logger) *eventStream {
	return &eventStream{
		enc:    json.NewEncoder(w),
		rc:     http.NewResponseController(w),
		logger: logger,
	}
}

func (s *eventStream) emit(e pipeline.Event) {
	if s.broken {
		return
	}
	if err := s.enc.Encode(e); err != nil {
		s.disconnect(err)
		return
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.disconnect(err)
	}
}

func (s *eventStream) disconnect(err error) {
	s.broken = true
	s.logger.Info("クライアントが切断したため進捗の送信を停止しました", slog.String("error", err.Error()))
}
