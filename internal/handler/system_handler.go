package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/curator/internal/llm"
)

// ProviderStatusReader はプロバイダーの可用性を返す。
type ProviderStatusReader interface {
	Status(ctx context.Context, providers []llm.Provider) []llm.ProviderStatus
}

// Pinger は依存先の疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SystemHandler はプロバイダー状態とヘルスチェックのHTTPハンドラー。
type SystemHandler struct {
	registry  ProviderStatusReader
	providers []llm.Provider
	db        Pinger
}

// NewSystemHandler はSystemHandlerを生成する。
// providersは設定済みのプロバイダー。
func NewSystemHandler(registry ProviderStatusReader, providers []llm.Provider, db Pinger) *SystemHandler {
	return &SystemHandler{
		registry:  registry,
		providers: providers,
		db:        db,
	}
}

// ListProviders は設定済みプロバイダーのクールダウン状態を返す。
// GET /api/providers
func (h *SystemHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.registry.Status(r.Context(), h.providers),
	})
}

// Health はデータベースへの疎通を確認する。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
