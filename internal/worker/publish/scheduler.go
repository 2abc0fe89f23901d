// Package publish は投稿キューの定期公開を提供する。
// 設定された間隔ごとにキュー先頭の投稿を外部プラットフォームへ公開する。
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/metrics"
	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/publisher"
	"github.com/hitoshi/curator/internal/settings"
)

// Publisher は外部プラットフォームへの投稿インターフェース。
type Publisher interface {
	Publish(ctx context.Context, text string, mediaURLs []string) (publisher.Result, error)
}

// Queue は公開対象のキュー操作インターフェース。
type Queue interface {
	List(ctx context.Context) ([]model.QueueEntry, error)
	Get(ctx context.Context, id string) (*model.QueueEntry, error)
	MarkPublished(ctx context.Context, id, postID string, at time.Time) error
}

// SettingsProvider は現在の設定を返す。
type SettingsProvider interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// History は過去の公開実績を返す。再起動後も公開間隔を守るために使う。
type History interface {
	LastPublishedAt(ctx context.Context) (time.Time, error)
}

// MetricsRecorder は公開結果を記録する。
type MetricsRecorder interface {
	RecordPublish(result string)
}

// Scheduler はキューの定期公開と手動公開を行う。
// 公開処理は同時に1つだけ実行する。
type Scheduler struct {
	queue     Queue
	publisher Publisher
	settings  SettingsProvider
	history   History
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastSuccess time.Time
	loaded      bool
}

// NewScheduler はSchedulerを生成する。
// pubがnilの場合は公開が無効化され、PublishNowはPUBLISHER_DISABLEDを返す。
func NewScheduler(queue Queue, pub Publisher, provider SettingsProvider, history History, m MetricsRecorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:     queue,
		publisher: pub,
		settings:  provider,
		history:   history,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Start は指定間隔のティッカーで公開チェックを繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("公開スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Bool("publisher_enabled", s.publisher != nil),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("公開スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("公開チェックに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は公開条件を満たしていればキューから1件を公開する。
// 公開の失敗はエントリをキューに残したまま記録し、エラーとしては返さない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}

	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}
	if !cfg.PublishEnabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	last, err := s.lastPublished(ctx)
	if err != nil {
		return err
	}
	interval := time.Duration(cfg.PublishIntervalMinutes) * time.Minute
	if !last.IsZero() && now.Sub(last) < interval {
		return nil
	}

	entries, err := s.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("キューの取得に失敗しました: %w", err)
	}
	entry := NextDue(entries, now)
	if entry == nil {
		return nil
	}

	if _, err := s.publish(ctx, entry); err != nil {
		s.logger.Warn("キューの公開に失敗しました",
			slog.String("queue_id", entry.ID),
			slog.String("item_id", entry.ItemID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PublishNow は指定エントリを公開間隔や予約日時に関係なく直ちに公開する。
func (s *Scheduler) PublishNow(ctx context.Context, queueID string) (publisher.Result, error) {
	if s.publisher == nil {
		return publisher.Result{}, model.NewPublisherDisabledError()
	}

	entry, err := s.queue.Get(ctx, queueID)
	if err != nil {
		return publisher.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(ctx, entry)
}

// NextDue は公開すべきエントリを返す。
// 予約日時を過ぎたエントリを予約日時の早い順に優先し、
// なければ未予約のエントリを位置順に選ぶ。該当がなければnilを返す。
func NextDue(entries []model.QueueEntry, now time.Time) *model.QueueEntry {
	var scheduled, unscheduled *model.QueueEntry
	for i := range entries {
		e := &entries[i]
		if e.ScheduledAt == nil {
			if unscheduled == nil || e.Position < unscheduled.Position {
				unscheduled = e
			}
			continue
		}
		if !e.IsDue(now) {
			continue
		}
		if scheduled == nil || e.ScheduledAt.Before(*scheduled.ScheduledAt) {
			scheduled = e
		}
	}
	if scheduled != nil {
		return scheduled
	}
	return unscheduled
}

func (s *Scheduler) publish(ctx context.Context, entry *model.QueueEntry) (publisher.Result, error) {
	text := entry.PublishText()
	if n := utf8.RuneCountInString(text); n > model.MaxContentLength {
		s.record(metrics.PublishSkipped)
		return publisher.Result{}, model.NewContentTooLongError(n)
	}

	start := s.now()
	res, err := s.publisher.Publish(ctx, text, model.MediaURLs(entry.Item.Media))
	if err != nil {
		s.record(metrics.PublishFailure)
		return publisher.Result{}, model.NewPublishFailedError(err.Error())
	}
	if !res.Success {
		s.record(metrics.PublishFailure)
		return res, model.NewPublishFailedError(res.Error)
	}

	// 投稿後はキャンセルされても公開済みの記録を残す
	at := s.now().UTC()
	if err := s.queue.MarkPublished(context.WithoutCancel(ctx), entry.ID, res.ID, at); err != nil {
		s.record(metrics.PublishFailure)
		s.logger.Error("公開済みの記録に失敗しました",
			slog.String("queue_id", entry.ID),
			slog.String("post_id", res.ID),
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("公開済みの記録に失敗しました: %w", err)
	}

	s.lastSuccess = at
	s.loaded = true
	s.record(metrics.PublishSuccess)
	s.logger.Info("投稿を公開しました",
		slog.String("queue_id", entry.ID),
		slog.String("item_id", entry.ItemID),
		slog.String("post_id", res.ID),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return res, nil
}

// lastPublished は最後に成功した公開日時を返す。初回のみ永続化された実績から読み込む。
func (s *Scheduler) lastPublished(ctx context.Context) (time.Time, error) {
	if s.loaded || s.history == nil {
		return s.lastSuccess, nil
	}
	last, err := s.history.LastPublishedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	s.lastSuccess = last
	s.loaded = true
	return last, nil
}

func (s *Scheduler) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordPublish(result)
	}
}
