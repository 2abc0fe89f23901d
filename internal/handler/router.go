package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/curator/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	StatusRecorder     middleware.StatusRecorder

	// キュレーション
	ItemService  ItemServiceInterface
	QueueService QueueServiceInterface
	Publisher    PublishNower

	// 取り込み
	Scrape *ScrapeHandler

	// 設定・システム
	SettingsService SettingsServiceInterface
	System          *SystemHandler

	// MetricsHandler は/metricsで公開するハンドラー。nilの場合は公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → RateLimit(GeneralMiddleware)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	itemHandler := NewItemHandler(deps.ItemService)
	queueHandler := NewQueueHandler(deps.QueueService, deps.Publisher)
	settingsHandler := NewSettingsHandler(deps.SettingsService)

	r.Get("/health", deps.System.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 取り込み
		r.Route("/api/scrape", func(r chi.Router) {
			// POST /api/scrape - 取り込み開始（取り込み専用レート制限を追加）
			r.With(deps.RateLimiter.ScrapeMiddleware()).Post("/", deps.Scrape.StartScrape)
			r.Post("/abort", deps.Scrape.AbortScrape)
			r.Delete("/abort", deps.Scrape.ClearAbort)
		})

		// キュレーション
		r.Route("/api/items", func(r chi.Router) {
			r.Get("/", itemHandler.ListItems)
			r.Post("/clear", itemHandler.ClearPending)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", itemHandler.GetItem)
				r.Patch("/", itemHandler.EditItem)
				r.Post("/approve", itemHandler.ApproveItem)
				r.Post("/reject", itemHandler.RejectItem)
			})
		})

		// 投稿キュー
		r.Route("/api/queue", func(r chi.Router) {
			r.Get("/", queueHandler.ListQueue)
			r.Put("/order", queueHandler.ReorderQueue)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", queueHandler.UpdateQueueEntry)
				r.Delete("/", queueHandler.RemoveQueueEntry)
				r.Post("/publish", queueHandler.PublishQueueEntry)
			})
		})

		// 設定・プロバイダー
		r.Get("/api/settings", settingsHandler.GetSettings)
		r.Put("/api/settings", settingsHandler.UpdateSettings)
		r.Get("/api/providers", deps.System.ListProviders)
	})

	return r
}
