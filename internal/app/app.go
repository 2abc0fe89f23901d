package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/curator/internal/config"
	"github.com/hitoshi/curator/internal/database"
	"github.com/hitoshi/curator/internal/logger"
	"github.com/hitoshi/curator/internal/pipeline"
	"github.com/hitoshi/curator/internal/worker/ingest"
)

// ingestCheckInterval は定期取り込みの実行要否を確認する間隔。
const ingestCheckInterval = time.Minute

// Init はアプリケーションの初期化を行う。
// .envを読み込んだ後、JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	router, rl := c.router()
	defer rl.Stop()

	// 取り込みのストリーミングは実行時間の上限まで応答を書き続ける
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScrapeRunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Any("providers", c.providers),
			slog.Bool("publisher_enabled", cfg.PublisherEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 公開スケジューラ、保持期間クリーンアップ、定期取り込みを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	slog.Info("worker starting",
		slog.Duration("publish_check_interval", cfg.PublishCheckInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// 保持期間クリーンアップをバックグラウンド実行
	go runCleanupLoop(ctx, c, cfg.CleanupInterval)

	// 定期取り込みをバックグラウンド実行（scrape_interval_minutesが0なら何もしない）
	job := ingest.NewJob(c.pipeline, c.settings, cfg.ScrapeRunTimeout, slog.Default())
	go job.Start(ctx, ingestCheckInterval)

	// 公開スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx, cfg.PublishCheckInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanupLoop は起動直後とintervalごとに保持期間を過ぎた記事を削除する。
func runCleanupLoop(ctx context.Context, c *components, interval time.Duration) {
	run := func() {
		s, err := c.settings.Current(ctx)
		if err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
			return
		}
		if _, err := c.cleanup.Run(ctx, s.RetentionDays); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// runScrape は取り込み処理を1回実行する。
// jsonOutがtrueの場合は進捗をNDJSONでoutに書き出し、falseの場合はログに出力する。
func runScrape(cfg *config.Config, count int, jsonOut bool, out io.Writer) error {
	ctx, stop := signalContext()
	defer stop()

	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.settings.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to load curation settings: %w", err)
	}
	if count <= 0 {
		count = s.ScrapeCount
	}

	emit := ingest.LogEvents(slog.Default())
	if jsonOut {
		emit = ndjsonEmitter(out)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.ScrapeRunTimeout)
	defer cancel()

	counters, err := c.pipeline.Run(runCtx, count, s, emit)
	if err != nil {
		return fmt.Errorf("scrape failed: %w", err)
	}

	slog.Info("取り込みが完了しました",
		slog.Int("processed", counters.Processed),
		slog.Int("approved", counters.Approved),
		slog.Int("rejected", counters.Rejected),
		slog.Int("duplicates", counters.Duplicates),
		slog.Int("errors", counters.Errors),
	)
	return nil
}

// ndjsonEmitter はイベントを1行1オブジェクトでwに書き出す。
func ndjsonEmitter(w io.Writer) pipeline.EmitFunc {
	enc := json.NewEncoder(w)
	return func(e pipeline.Event) {
		if err := enc.Encode(e); err != nil {
			slog.Warn("進捗の書き出しに失敗しました", slog.String("error", err.Error()))
		}
	}
}

// migrateOptions はmigrateサブコマンドのフラグ。
type migrateOptions struct {
	down   int
	status bool
}

// runMigrate はデータベースマイグレーションを実行する。
// 既定では未適用のマイグレーションをすべて適用する。
func runMigrate(cfg *config.Config, opts migrateOptions, out io.Writer) error {
	dbURL := cfg.DatabaseURL
	log := slog.With(slog.String("database_url", maskDatabaseURL(dbURL)))

	switch {
	case opts.status:
		status, err := database.CurrentMigration(dbURL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, status)
		return err

	case opts.down > 0:
		log.Info("rolling back database migrations", slog.Int("steps", opts.down))
		if err := database.RollbackMigrations(dbURL, opts.down); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}

	case opts.down < 0:
		return fmt.Errorf("--down must be positive: %d", opts.down)

	default:
		log.Info("running database migrations")
		if err := database.RunMigrations(dbURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	status, err := database.CurrentMigration(dbURL)
	if err != nil {
		return err
	}
	log.Info("database migrations completed", slog.String("status", status.String()))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
