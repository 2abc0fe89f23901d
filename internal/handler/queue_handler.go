package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/publisher"
)

// QueueServiceInterface はキューハンドラーが必要とするサービスインターフェース。
type QueueServiceInterface interface {
	List(ctx context.Context) ([]model.QueueEntry, error)
	Reorder(ctx context.Context, ids []string) error
	Remove(ctx context.Context, id string) error
	UpdateText(ctx context.Context, id, text string) (*model.QueueEntry, error)
	Schedule(ctx context.Context, id string, at *time.Time) (*model.QueueEntry, error)
}

// PublishNower はキューエントリを即時公開する。
type PublishNower interface {
	PublishNow(ctx context.Context, queueID string) (publisher.Result, error)
}

// QueueHandler は投稿キューのHTTPハンドラー。
type QueueHandler struct {
	service   QueueServiceInterface
	publisher PublishNower
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface, pub PublishNower) *QueueHandler {
	return &QueueHandler{service: service, publisher: pub}
}

// --- レスポンス型 ---

// queueEntryResponse はキューエントリのレスポンス。
type queueEntryResponse struct {
	ID          string       `json:"id"`
	ItemID      string       `json:"item_id"`
	Position    int          `json:"position"`
	CustomText  string       `json:"custom_text,omitempty"`
	PublishText string       `json:"publish_text"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	Item        itemResponse `json:"item"`
}

// reorderRequest は並び替えリクエストのボディ。
type reorderRequest struct {
	IDs []string `json:"ids"`
}

// queueUpdateRequest はキューエントリ更新リクエストのボディ。
// scheduled_atにnullを渡すと予約を解除する。
type queueUpdateRequest struct {
	CustomText  *string         `json:"custom_text"`
	ScheduledAt json.RawMessage `json:"scheduled_at"`
}

func toQueueEntryResponse(e *model.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:          e.ID,
		ItemID:      e.ItemID,
		Position:    e.Position,
		CustomText:  e.CustomText,
		PublishText: e.PublishText(),
		ScheduledAt: e.ScheduledAt,
		Item:        toItemResponse(&e.Item),
	}
}

// ListQueue はキューを位置順に返す。
// GET /api/queue
func (h *QueueHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]queueEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toQueueEntryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// ReorderQueue はキューの並び順を置き換える。
// PUT /api/queue/order
func (h *QueueHandler) ReorderQueue(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.Reorder(r.Context(), req.IDs); err != nil {
		handleServiceError(w, err)
		return
	}
	h.ListQueue(w, r)
}

// UpdateQueueEntry は投稿テキストと予約日時を更新する。
// PATCH /api/queue/:id
func (h *QueueHandler) UpdateQueueEntry(w http.ResponseWriter, r *http.Request) {
	var req queueUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.CustomText == nil && req.ScheduledAt == nil {
		handleServiceError(w, model.NewInvalidRequestError("custom_textかscheduled_atを指定してください"))
		return
	}

	id := chi.URLParam(r, "id")
	var entry *model.QueueEntry

	if req.CustomText != nil {
		e, err := h.service.UpdateText(r.Context(), id, *req.CustomText)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		entry = e
	}

	if req.ScheduledAt != nil {
		at, err := parseScheduledAt(req.ScheduledAt)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		e, err := h.service.Schedule(r.Context(), id, at)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		entry = e
	}

	writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
}

// parseScheduledAt はRFC 3339の日時を読む。nullは予約の解除としてnilを返す。
func parseScheduledAt(raw json.RawMessage) (*time.Time, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var at time.Time
	if err := json.Unmarshal(raw, &at); err != nil {
		return nil, model.NewInvalidRequestError("scheduled_atはRFC 3339形式で指定してください")
	}
	return &at, nil
}

// RemoveQueueEntry はエントリをキューから外す。記事のステータスは変更しない。
// DELETE /api/queue/:id
func (h *QueueHandler) RemoveQueueEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishQueueEntry はエントリを直ちに公開する。
// POST /api/queue/:id/publish
func (h *QueueHandler) PublishQueueEntry(w http.ResponseWriter, r *http.Request) {
	res, err := h.publisher.PublishNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
