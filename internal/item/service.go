// Package item は取り込み済み記事のキュレーション操作を提供する。
package item

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/repository"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の上限件数。
	MaxListLimit = 200
	// BulkClearReason は一括クリアで却下した記事に残す理由。
	BulkClearReason = "bulk cleared"
)

// Queue は承認・却下に伴うキュー操作。
type Queue interface {
	Enqueue(ctx context.Context, item *model.ScrapedItem, breaking bool) (*model.QueueItem, error)
	RemoveItem(ctx context.Context, itemID string) error
}

// TextSanitizer は編集テキストの無害化を行う。
type TextSanitizer interface {
	Sanitize(text string) string
}

// ListResult はListの戻り値。
type ListResult struct {
	Items  []*model.ScrapedItem
	Total  int
	Counts map[model.ItemStatus]int
}

// Service は記事のキュレーション操作を提供する。
type Service struct {
	repo      repository.ScrapedItemRepository
	queue     Queue
	sanitizer TextSanitizer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(repo repository.ScrapedItemRepository, queue Queue, sanitizer TextSanitizer, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		queue:     queue,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// List は記事一覧を返す。statusが空の場合は公開済み以外すべて。
// 公開済みはキュレーション一覧の対象外のため指定できない。
func (s *Service) List(ctx context.Context, status string, limit, offset int) (*ListResult, error) {
	st := model.ItemStatus(status)
	if status != "" && (!st.Valid() || st == model.StatusPublished) {
		return nil, model.NewInvalidStatusError(status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.repo.List(ctx, model.ItemListFilter{Status: st, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("記事件数の取得に失敗しました: %w", err)
	}
	return &ListResult{Items: items, Total: total, Counts: counts}, nil
}

// Get は指定IDの記事を返す。
func (s *Service) Get(ctx context.Context, id string) (*model.ScrapedItem, error) {
	it, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	if it == nil {
		return nil, model.NewItemNotFoundError(id)
	}
	return it, nil
}

// Approve は記事を承認してキューの末尾に追加する。
// 却下済みの記事を承認し直す場合は理由が必要。
// 承認済みの記事はキューに無い場合だけ追加し直す。
func (s *Service) Approve(ctx context.Context, id, reason string) (*model.ScrapedItem, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status == model.StatusApproved {
		if _, err := s.queue.Enqueue(ctx, it, false); err != nil {
			return nil, err
		}
		return it, nil
	}

	reason = strings.TrimSpace(reason)
	if it.Status == model.StatusRejected && reason == "" {
		return nil, model.NewReasonRequiredError()
	}
	if err := s.transition(ctx, it, model.StatusApproved, reason); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, it, false); err != nil {
		return nil, err
	}

	s.logger.Info("記事を承認しました",
		slog.String("item_id", id),
		slog.String("author", it.AuthorHandle),
	)
	return s.Get(ctx, id)
}

// Reject は記事を却下し、キューに入っていれば外す。
func (s *Service) Reject(ctx context.Context, id, reason string) (*model.ScrapedItem, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status == model.StatusRejected {
		return it, nil
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by curator"
	}
	if err := s.transition(ctx, it, model.StatusRejected, reason); err != nil {
		return nil, err
	}

	if err := s.queue.RemoveItem(ctx, id); err != nil {
		return nil, err
	}

	s.logger.Info("記事を却下しました",
		slog.String("item_id", id),
		slog.String("reason", reason),
	)
	return s.Get(ctx, id)
}

func (s *Service) transition(ctx context.Context, it *model.ScrapedItem, to model.ItemStatus, reason string) error {
	if !model.CanTransition(it.Status, to) {
		return model.NewInvalidStatusTransitionError(it.Status, to)
	}
	ok, err := s.repo.TransitionStatus(ctx, it.ID, it.Status, to, reason)
	if err != nil {
		return fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	if !ok {
		// 読み取り後に別の操作で状態が変わった
		return model.NewInvalidStatusTransitionError(it.Status, to)
	}
	return nil
}

// Edit は加工済み本文を書き換える。公開済みの記事は変更できない。
func (s *Service) Edit(ctx context.Context, id, text string) (*model.ScrapedItem, error) {
	text = s.sanitizer.Sanitize(text)
	if text == "" {
		return nil, model.NewInvalidRequestError("本文が空です")
	}
	if n := utf8.RuneCountInString(text); n > model.MaxContentLength {
		return nil, model.NewContentTooLongError(n)
	}

	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status == model.StatusPublished {
		return nil, model.NewItemPublishedError(id)
	}

	if err := s.repo.UpdateContent(ctx, id, text); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewItemPublishedError(id)
		}
		return nil, fmt.Errorf("本文の更新に失敗しました: %w", err)
	}
	return s.Get(ctx, id)
}

// ClearPending は保留中の記事をすべて却下する。行は削除しない。
func (s *Service) ClearPending(ctx context.Context) (int64, error) {
	n, err := s.repo.RejectAllPending(ctx, BulkClearReason)
	if err != nil {
		return 0, fmt.Errorf("保留中記事のクリアに失敗しました: %w", err)
	}
	s.logger.Info("保留中の記事をクリアしました", slog.Int64("count", n))
	return n, nil
}
