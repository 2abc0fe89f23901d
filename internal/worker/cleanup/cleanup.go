// Package cleanup は却下済み・公開済み記事を保持期間後に削除するジョブを提供する。
// 保留中と承認済みの記事は保持期間に関係なく残す。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/curator/internal/model"
)

// DefaultRetentionDays は保持日数の既定値。
const DefaultRetentionDays = 7

// expiringStatuses は保持期間の経過で削除するステータス。
var expiringStatuses = []string{string(model.StatusRejected), string(model.StatusPublished)}

// Executor は*sql.DBと*sql.Txが満たすExecContextの抽象。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CleanupJob は保持期間を超過した記事の削除ジョブ。
// 取り込み処理の開始時とワーカーの定期実行から呼ばれる。冪等。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time

	// RetentionDays はRunに0以下を渡した場合に使う保持日数。
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// cutoff はretentionDays日前の時刻を返す。これより前に作成された記事が削除対象。
func (j *CleanupJob) cutoff(retentionDays int) time.Time {
	return j.now().UTC().AddDate(0, 0, -retentionDays)
}

// Run はretentionDays日より古い却下済み・公開済みの記事を削除し、件数を返す。
// 関連するqueue_itemsは外部キーのCASCADEで消える。
func (j *CleanupJob) Run(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = j.RetentionDays
	}
	start := time.Now()
	cutoff := j.cutoff(retentionDays)
	log := j.logger.With(slog.Int("retention_days", retentionDays))

	query, args, err := sq.Delete("scraped_items").
		Where(sq.Eq{"status": expiringStatuses}).
		Where(sq.Lt{"created_at": cutoff}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("記事クリーンアップのクエリ生成に失敗: %w", err)
	}

	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("記事クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
		return 0, fmt.Errorf("記事クリーンアップの実行に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		log.Error("削除件数の取得に失敗しました", slog.String("error", err.Error()))
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	log.Info("記事クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return deleted, nil
}
