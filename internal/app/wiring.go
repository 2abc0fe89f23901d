package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/curator/internal/classifier"
	"github.com/hitoshi/curator/internal/config"
	"github.com/hitoshi/curator/internal/database"
	"github.com/hitoshi/curator/internal/handler"
	"github.com/hitoshi/curator/internal/item"
	"github.com/hitoshi/curator/internal/llm"
	"github.com/hitoshi/curator/internal/metrics"
	"github.com/hitoshi/curator/internal/middleware"
	"github.com/hitoshi/curator/internal/pipeline"
	"github.com/hitoshi/curator/internal/publisher"
	"github.com/hitoshi/curator/internal/queue"
	"github.com/hitoshi/curator/internal/repository"
	"github.com/hitoshi/curator/internal/security"
	"github.com/hitoshi/curator/internal/settings"
	"github.com/hitoshi/curator/internal/sharedstate"
	"github.com/hitoshi/curator/internal/source"
	"github.com/hitoshi/curator/internal/worker/cleanup"
	"github.com/hitoshi/curator/internal/worker/publish"
)

// abortFlagTTL は立てたまま放置された中断フラグがRedisから消えるまでの時間。
const abortFlagTTL = time.Hour

// components はserve・worker・scrapeの各コマンドが共有する依存関係。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	metricsRegistry *prometheus.Registry
	collector       *metrics.Collector

	settings  *settings.Service
	providers []llm.Provider
	registry  *llm.Registry
	items     *item.Service
	itemRepo  *repository.PostgresScrapedItemRepo
	queue     *queue.Service
	pipeline  *pipeline.Pipeline
	cleanup   *cleanup.CleanupJob
	scheduler *publish.Scheduler
}

// newComponents はDB・Redisに接続し、全依存関係をワイヤリングする。
// REDIS_URLが未設定の場合、クールダウンと中断フラグはプロセス内で保持する。
func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	c := &components{cfg: cfg, logger: logger, db: db}

	// 2. 共有状態
	if cfg.RedisURL != "" {
		rdb, err := sharedstate.Connect(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		c.rdb = rdb
		logger.Info("redis connection established")
	}

	// 3. 設定
	defaults, err := loadSettingsDefaults(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.settings = settings.NewService(repository.NewPostgresSettingsRepo(db), defaults, logger)

	// 4. メトリクス
	c.metricsRegistry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.metricsRegistry)

	// 5. LLM
	var cooldowns llm.CooldownStore = llm.NewMemoryCooldownStore()
	var abort pipeline.AbortFlag = pipeline.NewMemoryAbortFlag()
	if c.rdb != nil {
		cooldowns = sharedstate.NewRedisCooldownStore(c.rdb)
		abort = sharedstate.NewRedisAbortFlag(c.rdb, abortFlagTTL)
	}
	c.registry = llm.NewRegistry(cooldowns, logger)
	clients := newClientSet(cfg)
	c.providers = clients.Providers()
	if len(c.providers) == 0 {
		logger.Warn("LLMのAPIキーが1つも設定されていません。分類はすべて失敗します")
	}
	cls := classifier.NewClassifier(clients, c.registry, logger).WithMetrics(c.collector)

	// 6. リポジトリとドメインサービス
	sanitizer := security.NewTextSanitizer()
	guard := security.NewGuard()

	c.itemRepo = repository.NewPostgresScrapedItemRepo(db)
	c.queue = queue.NewService(repository.NewPostgresQueueRepo(db), sanitizer, logger)
	c.items = item.NewService(c.itemRepo, c.queue, sanitizer, logger)
	c.cleanup = cleanup.NewCleanupJob(db, logger)

	// 7. 取り込み処理
	fetcher := source.NewNitterFetcher(source.Config{
		BaseURL:     cfg.NitterBaseURL,
		Accounts:    cfg.SourceAccounts,
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
	}, guard, sanitizer, logger)

	c.pipeline = pipeline.New(pipeline.Deps{
		Fetcher:    fetcher,
		Classifier: cls,
		Items:      c.itemRepo,
		Queue:      c.queue,
		Cleaner:    c.cleanup,
		Sanitizer:  sanitizer,
		Abort:      abort,
		Metrics:    c.collector,
	}, pipeline.Config{
		DefaultCount: cfg.ScrapeDefaultCount,
		MinDelay:     cfg.ScrapeMinDelay,
		MaxDelay:     cfg.ScrapeMaxDelay,
	}, logger)

	// 8. 公開
	// 無効時はnilインターフェースのまま渡す
	var pub publish.Publisher
	if cfg.PublisherEnabled() {
		pub = publisher.NewXClient(publisher.Config{
			BaseURL:      cfg.XAPIBaseURL,
			AccessToken:  cfg.XAccessToken,
			RatePerHour:  cfg.PublishRatePerHour,
			MaxMediaSize: cfg.FetchMaxSize,
		}, guard, logger)
	} else {
		logger.Warn("X_ACCESS_TOKENが未設定のため投稿は無効です")
	}
	c.scheduler = publish.NewScheduler(c.queue, pub, c.settings, c.itemRepo, c.collector, logger)

	return c, nil
}

// Close は接続を閉じる。
func (c *components) Close() {
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Warn("failed to close redis", slog.String("error", err.Error()))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}

// router はAPIサーバーのハンドラーを組み立てる。
func (c *components) router() (http.Handler, *middleware.RateLimiter) {
	rl := middleware.NewRateLimiter(middleware.PerMinuteConfig(c.cfg.RateLimitGeneral, c.cfg.RateLimitScrape))

	return handler.NewRouter(&handler.RouterDeps{
		Logger:             c.logger,
		CORSAllowedOrigins: c.cfg.CORSAllowedOrigins,
		RateLimiter:        rl,
		StatusRecorder:     c.collector,

		ItemService:  c.items,
		QueueService: c.queue,
		Publisher:    c.scheduler,

		Scrape: handler.NewScrapeHandler(c.pipeline, c.settings, c.cfg.ScrapeRunTimeout, c.logger),

		SettingsService: c.settings,
		System:          handler.NewSystemHandler(c.registry, c.providers, c.db),
		MetricsHandler:  metrics.Handler(c.metricsRegistry),
	}), rl
}

// newClientSet はAPIキーが設定されたプロバイダーのクライアントを登録する。
func newClientSet(cfg *config.Config) llm.ClientSet {
	cs := llm.ClientSet{}
	if cfg.AnthropicAPIKey != "" {
		cs[llm.ProviderAnthropic] = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.LLMTimeout)
	}
	if cfg.GroqAPIKey != "" {
		cs[llm.ProviderGroq] = llm.NewOpenAICompatibleClient(llm.ProviderGroq, llm.GroqEndpoint, cfg.GroqAPIKey, cfg.LLMTimeout)
	}
	if cfg.OpenRouterAPIKey != "" {
		cs[llm.ProviderOpenRouter] = llm.NewOpenAICompatibleClient(llm.ProviderOpenRouter, llm.OpenRouterEndpoint, cfg.OpenRouterAPIKey, cfg.LLMTimeout)
	}
	return cs
}

// loadSettingsDefaults は組み込みの既定値にSCRAPE_DEFAULT_COUNTとSETTINGS_FILEを重ねる。
func loadSettingsDefaults(cfg *config.Config) (settings.Settings, error) {
	s, err := settings.Defaults()
	if err != nil {
		return settings.Settings{}, err
	}
	if cfg.ScrapeDefaultCount > 0 {
		s.ScrapeCount = cfg.ScrapeDefaultCount
	}
	if cfg.SettingsFile != "" {
		s, err = settings.LoadFile(cfg.SettingsFile, s)
		if err != nil {
			return settings.Settings{}, err
		}
	}
	if err := s.Validate(); err != nil {
		return settings.Settings{}, fmt.Errorf("invalid curation settings: %w", err)
	}
	return s, nil
}
