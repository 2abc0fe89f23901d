// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/curator/internal/model"
)

// ErrNotFound は更新・削除の対象行が存在しないことを示す。
// 取得系のメソッドは見つからない場合にnilを返し、このエラーは使わない。
var ErrNotFound = errors.New("record not found")

// ErrQueueOrderMismatch は並び替えに渡されたID集合が現在のキューと一致しないことを示す。
var ErrQueueOrderMismatch = errors.New("queue order does not match current entries")

// ScrapedItemRepository は取り込み済み記事の永続化インターフェース。
type ScrapedItemRepository interface {
	// ExistsBySourceID はソースIDの記事が既に保存されているかを返す。
	ExistsBySourceID(ctx context.Context, sourceID string) (bool, error)

	// Create は記事を保存する。IDが空の場合は採番する。
	// source_idが重複した場合はfalseを返し、エラーにはしない。
	Create(ctx context.Context, item *model.ScrapedItem) (bool, error)

	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ScrapedItem, error)

	// List は条件に一致する記事を作成日時の降順で返す。2つ目の戻り値はページング前の総件数。
	List(ctx context.Context, filter model.ItemListFilter) ([]*model.ScrapedItem, int, error)

	// CountByStatus はステータスごとの件数を返す。
	CountByStatus(ctx context.Context) (map[model.ItemStatus]int, error)

	// TransitionStatus は記事がfromの状態にある場合に限りtoへ遷移させる。
	// reasonはtoがapprovedなら承認理由、rejectedなら却下理由として保存する。
	// 遷移しなかった場合はfalseを返す。
	TransitionStatus(ctx context.Context, id string, from, to model.ItemStatus, reason string) (bool, error)

	// UpdateContent は加工済み本文を更新する。公開済みの記事は更新しない。
	UpdateContent(ctx context.Context, id, content string) error

	// RejectAllPending は保留中の記事をすべて却下し、件数を返す。
	RejectAllPending(ctx context.Context, reason string) (int64, error)

	// RecentContent は類似判定の比較対象となる本文を重複なく返す。
	// since以降に公開された記事と、保留中・承認済みの記事が対象。
	RecentContent(ctx context.Context, since time.Time) ([]string, error)
}

// QueueRepository は投稿キューの永続化インターフェース。
// 位置は0始まりで密に保たれる。位置を動かす操作はすべて1トランザクションで行う。
type QueueRepository interface {
	// List はキュー全体を位置順に記事と結合して返す。
	List(ctx context.Context) ([]model.QueueEntry, error)

	// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueueEntry, error)

	// FindByItemID は記事IDでエントリを取得する。見つからない場合はnilを返す。
	FindByItemID(ctx context.Context, itemID string) (*model.QueueItem, error)

	// Prepend は既存エントリを1つずつ後ろへずらしてから位置0に追加する。
	// 記事が既にキューにある場合は既存のエントリを返す。
	Prepend(ctx context.Context, itemID string) (*model.QueueItem, error)

	// Append は末尾に追加する。記事が既にキューにある場合は既存のエントリを返す。
	Append(ctx context.Context, itemID string) (*model.QueueItem, error)

	// Reorder はidsの順に位置0..n-1を振り直す。
	// idsが現在のエントリ集合と一致しない場合はErrQueueOrderMismatchを返す。
	Reorder(ctx context.Context, ids []string) error

	// Remove はエントリを削除し、後続の位置を詰める。
	Remove(ctx context.Context, id string) error

	// RemoveByItemID は記事IDのエントリを削除し、後続の位置を詰める。存在しなくてもエラーにしない。
	RemoveByItemID(ctx context.Context, itemID string) error

	// UpdateText は投稿用の編集済みテキストを更新する。空文字列は編集の取り消しを表す。
	UpdateText(ctx context.Context, id, text string) error

	// Schedule は予約日時を設定する。nilは予約の解除を表す。
	Schedule(ctx context.Context, id string, at *time.Time) error

	// MarkPublished は記事を公開済みにしてエントリをキューから外す。
	MarkPublished(ctx context.Context, id, postID string, publishedAt time.Time) error
}
