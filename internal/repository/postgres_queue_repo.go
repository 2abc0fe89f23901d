package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/curator/internal/model"
)

// queueLockSQL はキューの位置を動かす操作同士を直列化する。
// 読み取りはブロックしない。
const queueLockSQL = `LOCK TABLE queue_items IN SHARE ROW EXCLUSIVE MODE`

// PostgresQueueRepo はPostgreSQLを使用した投稿キューリポジトリ。
// positionの一意制約はDEFERRABLE INITIALLY DEFERREDのため、
// 一括シフトのUPDATEはコミット時にまとめて検証される。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// entrySelect はキューエントリと記事を結合するSELECT句。
func entrySelect() string {
	cols := make([]string, len(itemColumns))
	for i, c := range itemColumns {
		cols[i] = "s." + c
	}
	return `SELECT q.id, q.item_id, q.custom_text, q.position, q.scheduled_at, q.created_at, q.updated_at, ` +
		strings.Join(cols, ", ") +
		` FROM queue_items q JOIN scraped_items s ON s.id = q.item_id`
}

func scanEntry(row rowScanner) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var scheduledAt sql.NullTime
	var media []byte
	var status string
	var postedAt, publishedAt sql.NullTime
	it := &e.Item

	err := row.Scan(
		&e.ID, &e.ItemID, &e.CustomText, &e.Position, &scheduledAt, &e.CreatedAt, &e.UpdatedAt,
		&it.ID, &it.SourceID, &it.AuthorHandle, &it.AuthorName, &it.AuthorAvatar,
		&it.OriginalText, &it.SourceURL, &media,
		&it.QuoteAuthor, &it.QuoteText, &it.QuoteURL,
		&it.ProcessedContent, &it.RelevanceScore, &it.RejectionReason, &it.ApprovalReason,
		&it.IsBreakingNews, &it.ModelUsed, &status,
		&postedAt, &publishedAt, &it.PublishedPostID, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ScheduledAt = nullTimePtr(scheduledAt)
	it.Status = model.ItemStatus(status)
	it.PostedAt = nullTimePtr(postedAt)
	it.PublishedAt = nullTimePtr(publishedAt)
	if len(media) > 0 {
		if err := json.Unmarshal(media, &it.Media); err != nil {
			return nil, fmt.Errorf("mediaのデコードに失敗しました: %w", err)
		}
	}
	return &e, nil
}

// List はキュー全体を位置順に返す。
func (r *PostgresQueueRepo) List(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, entrySelect()+` ORDER BY q.position`)
	if err != nil {
		return nil, fmt.Errorf("キュー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := make([]model.QueueEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("キューエントリのスキャンに失敗しました: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー一覧の読み取りに失敗しました: %w", err)
	}
	return entries, nil
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	e, err := scanEntry(r.db.QueryRowContext(ctx, entrySelect()+` WHERE q.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キューエントリの取得に失敗しました: %w", err)
	}
	return e, nil
}

// FindByItemID は記事IDでエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByItemID(ctx context.Context, itemID string) (*model.QueueItem, error) {
	return findQueueItemByItemID(ctx, r.db, itemID)
}

// queryRower は*sql.DBと*sql.Txの共通部分。
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findQueueItemByItemID(ctx context.Context, q queryRower, itemID string) (*model.QueueItem, error) {
	qi := &model.QueueItem{}
	var scheduledAt sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT id, item_id, custom_text, position, scheduled_at, created_at, updated_at
		 FROM queue_items WHERE item_id = $1`,
		itemID,
	).Scan(&qi.ID, &qi.ItemID, &qi.CustomText, &qi.Position, &scheduledAt, &qi.CreatedAt, &qi.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事IDによるキューエントリの取得に失敗しました: %w", err)
	}
	qi.ScheduledAt = nullTimePtr(scheduledAt)
	return qi, nil
}

// Prepend は既存エントリを後ろへずらしてから位置0に追加する。
func (r *PostgresQueueRepo) Prepend(ctx context.Context, itemID string) (*model.QueueItem, error) {
	return r.insert(ctx, itemID, true)
}

// Append は末尾に追加する。
func (r *PostgresQueueRepo) Append(ctx context.Context, itemID string) (*model.QueueItem, error) {
	return r.insert(ctx, itemID, false)
}

func (r *PostgresQueueRepo) insert(ctx context.Context, itemID string, head bool) (*model.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queueLockSQL); err != nil {
		return nil, fmt.Errorf("キューのロックに失敗しました: %w", err)
	}

	existing, err := findQueueItemByItemID(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var position int
	if head {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET position = position + 1, updated_at = now()`,
		); err != nil {
			return nil, fmt.Errorf("キュー位置のシフトに失敗しました: %w", err)
		}
	} else {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM queue_items`,
		).Scan(&position); err != nil {
			return nil, fmt.Errorf("末尾位置の取得に失敗しました: %w", err)
		}
	}

	now := time.Now().UTC()
	qi := &model.QueueItem{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items (id, item_id, position, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		qi.ID, qi.ItemID, qi.Position, qi.CreatedAt, qi.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("キューへの追加に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return qi, nil
}

// Reorder はidsの順に位置0..n-1を振り直す。
func (r *PostgresQueueRepo) Reorder(ctx context.Context, ids []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queueLockSQL); err != nil {
		return fmt.Errorf("キューのロックに失敗しました: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM queue_items`)
	if err != nil {
		return fmt.Errorf("キューIDの取得に失敗しました: %w", err)
	}
	current := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		current[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !sameIDSet(current, ids) {
		return ErrQueueOrderMismatch
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET position = $2, updated_at = now() WHERE id = $1`, id, i,
		); err != nil {
			return fmt.Errorf("キュー位置の更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sameIDSet はidsがcurrentと同じ集合で重複がないかを返す。
func sameIDSet(current map[string]bool, ids []string) bool {
	if len(current) != len(ids) {
		return false
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !current[id] || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}

// Remove はエントリを削除し、後続の位置を詰める。
func (r *PostgresQueueRepo) Remove(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return r.removeWhere(ctx, "id", id, true)
}

// RemoveByItemID は記事IDのエントリを削除し、後続の位置を詰める。
func (r *PostgresQueueRepo) RemoveByItemID(ctx context.Context, itemID string) error {
	return r.removeWhere(ctx, "item_id", itemID, false)
}

func (r *PostgresQueueRepo) removeWhere(ctx context.Context, column, value string, mustExist bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := removeAndCloseGap(ctx, tx, column, value)
	if err != nil {
		return err
	}
	if !found {
		if mustExist {
			return ErrNotFound
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// removeAndCloseGap はtx内でエントリを削除し、後続の位置を1つずつ前へ詰める。
// columnは呼び出し側で固定した列名のみを渡す。
func removeAndCloseGap(ctx context.Context, tx *sql.Tx, column, value string) (bool, error) {
	if _, err := tx.ExecContext(ctx, queueLockSQL); err != nil {
		return false, fmt.Errorf("キューのロックに失敗しました: %w", err)
	}

	var position int
	err := tx.QueryRowContext(ctx,
		`DELETE FROM queue_items WHERE `+column+` = $1 RETURNING position`, value,
	).Scan(&position)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("キューエントリの削除に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET position = position - 1, updated_at = now() WHERE position > $1`, position,
	); err != nil {
		return false, fmt.Errorf("キュー位置の詰め直しに失敗しました: %w", err)
	}
	return true, nil
}

// UpdateText は投稿用の編集済みテキストを更新する。
func (r *PostgresQueueRepo) UpdateText(ctx context.Context, id, text string) error {
	return r.execOne(ctx,
		`UPDATE queue_items SET custom_text = $2, updated_at = now() WHERE id = $1`, id, text)
}

// Schedule は予約日時を設定する。
func (r *PostgresQueueRepo) Schedule(ctx context.Context, id string, at *time.Time) error {
	return r.execOne(ctx,
		`UPDATE queue_items SET scheduled_at = $2, updated_at = now() WHERE id = $1`, id, nullTime(at))
}

func (r *PostgresQueueRepo) execOne(ctx context.Context, query string, args ...any) error {
	if id, ok := args[0].(string); ok {
		if _, err := uuid.Parse(id); err != nil {
			return ErrNotFound
		}
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("キューエントリの更新に失敗しました: %w", err)
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

// MarkPublished は記事を公開済みにしてエントリをキューから外す。
func (r *PostgresQueueRepo) MarkPublished(ctx context.Context, id, postID string, publishedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var itemID string
	if err := tx.QueryRowContext(ctx, `SELECT item_id FROM queue_items WHERE id = $1`, id).Scan(&itemID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("キューエントリの取得に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE scraped_items
		 SET status = 'published', published_at = $2, published_post_id = $3, updated_at = now()
		 WHERE id = $1`,
		itemID, publishedAt, postID,
	); err != nil {
		return fmt.Errorf("公開状態の更新に失敗しました: %w", err)
	}

	if _, err := removeAndCloseGap(ctx, tx, "id", id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
