package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/settings"
)

// SettingsServiceInterface は設定ハンドラーが必要とするサービスインターフェース。
type SettingsServiceInterface interface {
	Current(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, patch []byte) (settings.Settings, error)
}

// SettingsHandler はキュレーション設定のHTTPハンドラー。
type SettingsHandler struct {
	service SettingsServiceInterface
}

// NewSettingsHandler はSettingsHandlerを生成する。
func NewSettingsHandler(service SettingsServiceInterface) *SettingsHandler {
	return &SettingsHandler{service: service}
}

// GetSettings は現在の設定を返す。
// GET /api/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Current(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateSettings は設定を部分更新する。ボディに含まれないキーは現在値を保持する。
// PUT /api/settings
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		handleServiceError(w, model.NewInvalidRequestError("リクエストボディを読み込めませんでした"))
		return
	}
	if len(patch) == 0 {
		handleServiceError(w, model.NewInvalidRequestError("更新する設定を指定してください"))
		return
	}

	s, err := h.service.Update(r.Context(), patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
