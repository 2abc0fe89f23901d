package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hitoshi/curator/internal/model"
)

// psql はPostgreSQLのプレースホルダ形式を使うクエリビルダー。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// itemColumns はscraped_itemsのSELECT列。scanItemの順序と一致させる。
var itemColumns = []string{
	"id", "source_id", "author_handle", "author_name", "author_avatar",
	"original_text", "source_url", "media",
	"quote_author", "quote_text", "quote_url",
	"processed_content", "relevance_score", "rejection_reason", "approval_reason",
	"is_breaking_news", "model_used", "status",
	"posted_at", "published_at", "published_post_id", "created_at", "updated_at",
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem はitemColumnsの順で1行を読み取る。
func scanItem(row rowScanner) (*model.ScrapedItem, error) {
	item := &model.ScrapedItem{}
	var media []byte
	var status string
	var postedAt, publishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.SourceID, &item.AuthorHandle, &item.AuthorName, &item.AuthorAvatar,
		&item.OriginalText, &item.SourceURL, &media,
		&item.QuoteAuthor, &item.QuoteText, &item.QuoteURL,
		&item.ProcessedContent, &item.RelevanceScore, &item.RejectionReason, &item.ApprovalReason,
		&item.IsBreakingNews, &item.ModelUsed, &status,
		&postedAt, &publishedAt, &item.PublishedPostID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Status = model.ItemStatus(status)
	item.PostedAt = nullTimePtr(postedAt)
	item.PublishedAt = nullTimePtr(publishedAt)
	if len(media) > 0 {
		if err := json.Unmarshal(media, &item.Media); err != nil {
			return nil, fmt.Errorf("mediaのデコードに失敗しました: %w", err)
		}
	}
	return item, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresScrapedItemRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresScrapedItemRepo struct {
	db *sql.DB
}

// NewPostgresScrapedItemRepo はPostgresScrapedItemRepoを生成する。
func NewPostgresScrapedItemRepo(db *sql.DB) *PostgresScrapedItemRepo {
	return &PostgresScrapedItemRepo{db: db}
}

// ExistsBySourceID はソースIDの記事が既に保存されているかを返す。
func (r *PostgresScrapedItemRepo) ExistsBySourceID(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scraped_items WHERE source_id = $1)`, sourceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("source_idによる存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Create は記事を保存する。source_idが重複した場合はfalseを返す。
func (r *PostgresScrapedItemRepo) Create(ctx context.Context, item *model.ScrapedItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = model.StatusPending
	}

	media := item.Media
	if media == nil {
		media = []model.Media{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return false, fmt.Errorf("mediaのエンコードに失敗しました: %w", err)
	}

	query, args, err := psql.Insert("scraped_items").
		Columns(
			"id", "source_id", "author_handle", "author_name", "author_avatar",
			"original_text", "source_url", "media",
			"quote_author", "quote_text", "quote_url",
			"processed_content", "relevance_score", "rejection_reason", "approval_reason",
			"is_breaking_news", "model_used", "status",
			"posted_at", "created_at", "updated_at",
		).
		Values(
			item.ID, item.SourceID, item.AuthorHandle, item.AuthorName, item.AuthorAvatar,
			item.OriginalText, item.SourceURL, mediaJSON,
			item.QuoteAuthor, item.QuoteText, item.QuoteURL,
			item.ProcessedContent, item.RelevanceScore, item.RejectionReason, item.ApprovalReason,
			item.IsBreakingNews, item.ModelUsed, string(item.Status),
			nullTime(item.PostedAt), item.CreatedAt, item.UpdatedAt,
		).
		Suffix("ON CONFLICT (source_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("INSERT文の組み立てに失敗しました: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("記事の保存に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("保存件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresScrapedItemRepo) FindByID(ctx context.Context, id string) (*model.ScrapedItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	query, args, err := psql.Select(itemColumns...).From("scraped_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return item, nil
}

// List は条件に一致する記事を作成日時の降順で返す。
// ステータス未指定の場合は公開済みを除くすべてを対象とする。
func (r *PostgresScrapedItemRepo) List(ctx context.Context, filter model.ItemListFilter) ([]*model.ScrapedItem, int, error) {
	var cond sq.Sqlizer = sq.NotEq{"status": string(model.StatusPublished)}
	if filter.Status != "" {
		cond = sq.Eq{"status": string(filter.Status)}
	}

	countQuery, countArgs, err := psql.Select("count(*)").From("scraped_items").Where(cond).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("記事件数の取得に失敗しました: %w", err)
	}

	builder := psql.Select(itemColumns...).From("scraped_items").Where(cond).
		OrderBy("created_at DESC", "id")
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	items := make([]*model.ScrapedItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("記事一覧の読み取りに失敗しました: %w", err)
	}
	return items, total, nil
}

// CountByStatus はステータスごとの件数を返す。
func (r *PostgresScrapedItemRepo) CountByStatus(ctx context.Context) (map[model.ItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM scraped_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ステータス別件数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := map[model.ItemStatus]int{
		model.StatusPending:   0,
		model.StatusApproved:  0,
		model.StatusRejected:  0,
		model.StatusPublished: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// TransitionStatus は記事がfromの状態にある場合に限りtoへ遷移させる。
func (r *PostgresScrapedItemRepo) TransitionStatus(ctx context.Context, id string, from, to model.ItemStatus, reason string) (bool, error) {
	update := psql.Update("scraped_items").
		Set("status", string(to)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "status": string(from)})

	switch to {
	case model.StatusApproved:
		update = update.Set("approval_reason", reason)
	case model.StatusRejected:
		update = update.Set("rejection_reason", reason)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// UpdateContent は加工済み本文を更新する。
func (r *PostgresScrapedItemRepo) UpdateContent(ctx context.Context, id, content string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scraped_items SET processed_content = $2, updated_at = now()
		 WHERE id = $1 AND status <> 'published'`,
		id, content,
	)
	if err != nil {
		return fmt.Errorf("本文の更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectAllPending は保留中の記事をすべて却下する。
func (r *PostgresScrapedItemRepo) RejectAllPending(ctx context.Context, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scraped_items SET status = 'rejected', rejection_reason = $1, updated_at = now()
		 WHERE status = 'pending'`,
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("保留中記事の一括却下に失敗しました: %w", err)
	}
	return res.RowsAffected()
}

// RecentContent は類似判定の比較対象となる本文を返す。
func (r *PostgresScrapedItemRepo) RecentContent(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT processed_content FROM scraped_items
		 WHERE processed_content <> ''
		   AND ((status = 'published' AND published_at >= $1) OR status IN ('pending', 'approved'))`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("比較用本文の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		texts = append(texts, s)
	}
	return texts, rows.Err()
}

// LastPublishedAt は最後に公開された日時を返す。公開実績がない場合はゼロ値を返す。
func (r *PostgresScrapedItemRepo) LastPublishedAt(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(published_at) FROM scraped_items WHERE status = 'published'`,
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("最終公開日時の取得に失敗しました: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}
