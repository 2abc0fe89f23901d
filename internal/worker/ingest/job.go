// Package ingest は設定された間隔で取り込み処理を定期実行する。
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/curator/internal/pipeline"
	"github.com/hitoshi/curator/internal/settings"
)

// DefaultRunTimeout は1回の取り込みに許す時間の既定値。
const DefaultRunTimeout = 5 * time.Minute

// Runner は取り込み処理の実行インターフェース。
type Runner interface {
	Run(ctx context.Context, requested int, s settings.Settings, emit pipeline.EmitFunc) (pipeline.Counters, error)
}

// SettingsProvider は現在の設定を返す。
type SettingsProvider interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// Job は scrape_interval_minutes ごとに取り込み処理を実行する。
// 間隔が0の場合は何もしない。
type Job struct {
	runner   Runner
	settings SettingsProvider
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	lastRun  time.Time
}

// NewJob はJobを生成する。timeoutが0以下の場合はDefaultRunTimeoutを使用する。
func NewJob(runner Runner, provider SettingsProvider, timeout time.Duration, logger *slog.Logger) *Job {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Job{
		runner:   runner,
		settings: provider,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Start はcheckIntervalごとに実行時期かを確認し、到来していれば取り込みを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	j.logger.Info("定期取り込みを開始しました", slog.Duration("check_interval", checkInterval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("定期取り込みを停止しました")
			return
		case <-ticker.C:
			if err := j.Tick(ctx); err != nil {
				j.logger.Error("定期取り込みに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Tick は前回の実行から scrape_interval_minutes 以上経過していれば取り込みを1回実行する。
func (j *Job) Tick(ctx context.Context) error {
	s, err := j.settings.Current(ctx)
	if err != nil {
		return err
	}
	if s.ScrapeIntervalMinutes <= 0 {
		return nil
	}
	interval := time.Duration(s.ScrapeIntervalMinutes) * time.Minute
	if !j.lastRun.IsZero() && j.now().Sub(j.lastRun) < interval {
		return nil
	}

	_, err = j.RunOnce(ctx, s)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		j.logger.Info("別の取り込みが実行中のため今回はスキップします")
		return nil
	}
	j.lastRun = j.now()
	return err
}

// RunOnce は制限時間付きで取り込みを1回実行する。
// 中断フラグの解除は取り込み処理が実行枠を確保してから行う。
func (j *Job) RunOnce(ctx context.Context, s settings.Settings) (pipeline.Counters, error) {
	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	return j.runner.Run(runCtx, s.ScrapeCount, s, LogEvents(j.logger))
}

// LogEvents はイベントをログに出力するEmitFuncを返す。
// 画面に接続していない実行の進捗確認に使う。
func LogEvents(logger *slog.Logger) pipeline.EmitFunc {
	return func(e pipeline.Event) {
		attrs := []any{
			slog.String("type", string(e.Type)),
		}
		if e.State != "" {
			attrs = append(attrs, slog.String("state", string(e.State)))
		}
		if e.Message != "" {
			attrs = append(attrs, slog.String("message", e.Message))
		}

		switch e.Type {
		case pipeline.EventError:
			logger.Error("取り込みイベント", append(attrs, slog.String("error", e.Error))...)
		case pipeline.EventProgress:
			attrs = append(attrs,
				slog.Int("current", e.Current),
				slog.Int("total", e.Total),
				slog.String("source_id", e.SourceID),
				slog.String("status", string(e.Status)),
			)
			if e.Error != "" {
				attrs = append(attrs, slog.String("error", e.Error))
			}
			logger.Info("取り込みイベント", attrs...)
		case pipeline.EventProcessing:
			logger.Debug("取り込みイベント", append(attrs, slog.String("author", e.Author))...)
		case pipeline.EventComplete:
			if e.Counters != nil {
				attrs = append(attrs,
					slog.Int("processed", e.Counters.Processed),
					slog.Int("approved", e.Counters.Approved),
					slog.Int("rejected", e.Counters.Rejected),
					slog.Int("duplicates", e.Counters.Duplicates),
					slog.Int("errors", e.Counters.Errors),
				)
			}
			logger.Info("取り込みイベント", append(attrs, slog.Bool("cancelled", e.Cancelled))...)
		default:
			logger.Info("取り込みイベント", attrs...)
		}
	}
}
