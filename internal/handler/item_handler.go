package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/curator/internal/item"
	"github.com/hitoshi/curator/internal/model"
)

// ItemServiceInterface は記事ハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	// List はステータスで絞り込んだ記事一覧を返す。
	List(ctx context.Context, status string, limit, offset int) (*item.ListResult, error)
	// Get は記事を返す。
	Get(ctx context.Context, id string) (*model.ScrapedItem, error)
	// Approve は記事を承認してキューに追加する。
	Approve(ctx context.Context, id, reason string) (*model.ScrapedItem, error)
	// Reject は記事を却下してキューから外す。
	Reject(ctx context.Context, id, reason string) (*model.ScrapedItem, error)
	// Edit は加工済み本文を書き換える。
	Edit(ctx context.Context, id, text string) (*model.ScrapedItem, error)
	// ClearPending は保留中の記事をすべて却下する。
	ClearPending(ctx context.Context) (int64, error)
}

// ItemHandler はキュレーション対象記事のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// --- レスポンス型 ---

// itemResponse は記事のレスポンス。
type itemResponse struct {
	ID               string        `json:"id"`
	SourceID         string        `json:"source_id"`
	AuthorHandle     string        `json:"author_handle"`
	AuthorName       string        `json:"author_name"`
	AuthorAvatar     string        `json:"author_avatar,omitempty"`
	OriginalText     string        `json:"original_text"`
	SourceURL        string        `json:"source_url"`
	Media            []model.Media `json:"media"`
	QuoteAuthor      string        `json:"quote_author,omitempty"`
	QuoteText        string        `json:"quote_text,omitempty"`
	QuoteURL         string        `json:"quote_url,omitempty"`
	ProcessedContent string        `json:"processed_content"`
	RelevanceScore   float64       `json:"relevance_score"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
	ApprovalReason   string        `json:"approval_reason,omitempty"`
	IsBreakingNews   bool          `json:"is_breaking_news"`
	ModelUsed        string        `json:"model_used"`
	Status           string        `json:"status"`
	PostedAt         *time.Time    `json:"posted_at,omitempty"`
	PublishedAt      *time.Time    `json:"published_at,omitempty"`
	PublishedPostID  string        `json:"published_post_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// itemListResponse は記事一覧のレスポンス。
type itemListResponse struct {
	Items  []itemResponse `json:"items"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// reasonRequest は承認・却下リクエストのボディ。
type reasonRequest struct {
	Reason string `json:"reason"`
}

// editRequest は本文編集リクエストのボディ。
type editRequest struct {
	ProcessedContent string `json:"processed_content"`
}

func toItemResponse(it *model.ScrapedItem) itemResponse {
	media := it.Media
	if media == nil {
		media = []model.Media{}
	}
	return itemResponse{
		ID:               it.ID,
		SourceID:         it.SourceID,
		AuthorHandle:     it.AuthorHandle,
		AuthorName:       it.AuthorName,
		AuthorAvatar:     it.AuthorAvatar,
		OriginalText:     it.OriginalText,
		SourceURL:        it.SourceURL,
		Media:            media,
		QuoteAuthor:      it.QuoteAuthor,
		QuoteText:        it.QuoteText,
		QuoteURL:         it.QuoteURL,
		ProcessedContent: it.ProcessedContent,
		RelevanceScore:   it.RelevanceScore,
		RejectionReason:  it.RejectionReason,
		ApprovalReason:   it.ApprovalReason,
		IsBreakingNews:   it.IsBreakingNews,
		ModelUsed:        it.ModelUsed,
		Status:           string(it.Status),
		PostedAt:         it.PostedAt,
		PublishedAt:      it.PublishedAt,
		PublishedPostID:  it.PublishedPostID,
		CreatedAt:        it.CreatedAt,
		UpdatedAt:        it.UpdatedAt,
	}
}

// queryInt はクエリパラメータを整数として読む。未指定の場合はdefを返す。
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewInvalidRequestError(name + "は0以上の整数で指定してください")
	}
	return n, nil
}

// ListItems は記事一覧を取得する。
// GET /api/items?status=pending|approved|rejected&limit=50&offset=0
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", item.DefaultListLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := itemListResponse{
		Items:  make([]itemResponse, 0, len(result.Items)),
		Total:  result.Total,
		Counts: make(map[string]int, len(result.Counts)),
		Limit:  limit,
		Offset: offset,
	}
	for _, it := range result.Items {
		resp.Items = append(resp.Items, toItemResponse(it))
	}
	for status, n := range result.Counts {
		resp.Counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetItem は記事を取得する。
// GET /api/items/:id
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(it))
}

// ApproveItem は記事を承認する。却下済みの記事には理由が必要。
// POST /api/items/:id/approve
func (h *ItemHandler) ApproveItem(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	it, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(it))
}

// RejectItem は記事を却下する。
// POST /api/items/:id/reject
func (h *ItemHandler) RejectItem(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	it, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(it))
}

// EditItem は加工済み本文を編集する。
// PATCH /api/items/:id
func (h *ItemHandler) EditItem(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	it, err := h.service.Edit(r.Context(), chi.URLParam(r, "id"), req.ProcessedContent)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(it))
}

// ClearPending は保留中の記事を一括で却下する。
// POST /api/items/clear
func (h *ItemHandler) ClearPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ClearPending(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
