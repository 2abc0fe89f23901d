// Package queue は投稿キューの操作を提供する。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/repository"
)

// TextSanitizer は編集テキストの無害化を行う。
type TextSanitizer interface {
	Sanitize(text string) string
}

// Service は投稿キューのサービス層。
type Service struct {
	repo      repository.QueueRepository
	sanitizer TextSanitizer
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(repo repository.QueueRepository, sanitizer TextSanitizer, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// List はキュー全体を位置順に返す。
func (s *Service) List(ctx context.Context) ([]model.QueueEntry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("キューの取得に失敗しました: %w", err)
	}
	return entries, nil
}

// Get は指定IDのエントリを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.QueueEntry, error) {
	entry, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("キューエントリの取得に失敗しました: %w", err)
	}
	if entry == nil {
		return nil, model.NewQueueItemNotFoundError(id)
	}
	return entry, nil
}

// Enqueue は記事をキューに追加する。
// 速報は先頭に割り込み、それ以外は末尾に追加する。
// すでにキューにある記事は既存のエントリを返す。
func (s *Service) Enqueue(ctx context.Context, item *model.ScrapedItem, breaking bool) (*model.QueueItem, error) {
	var (
		qi  *model.QueueItem
		err error
	)
	if breaking {
		qi, err = s.repo.Prepend(ctx, item.ID)
	} else {
		qi, err = s.repo.Append(ctx, item.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("キューへの追加に失敗しました: %w", err)
	}

	s.logger.Info("キューに追加しました",
		slog.String("item_id", item.ID),
		slog.String("author", item.AuthorHandle),
		slog.Bool("breaking", breaking),
		slog.Int("position", qi.Position),
	)
	return qi, nil
}

// Reorder はidsの順にキューを並べ替える。
func (s *Service) Reorder(ctx context.Context, ids []string) error {
	if err := s.repo.Reorder(ctx, ids); err != nil {
		if errors.Is(err, repository.ErrQueueOrderMismatch) {
			return model.NewInvalidQueueOrderError()
		}
		return fmt.Errorf("キューの並び替えに失敗しました: %w", err)
	}
	return nil
}

// Remove はエントリをキューから外す。記事のステータスは変更しない。
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Remove(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewQueueItemNotFoundError(id)
		}
		return fmt.Errorf("キューエントリの削除に失敗しました: %w", err)
	}
	return nil
}

// RemoveItem は記事IDのエントリがあればキューから外す。
func (s *Service) RemoveItem(ctx context.Context, itemID string) error {
	if err := s.repo.RemoveByItemID(ctx, itemID); err != nil {
		return fmt.Errorf("キューエントリの削除に失敗しました: %w", err)
	}
	return nil
}

// UpdateText は投稿用テキストを差し替える。空文字列は編集の取り消し。
func (s *Service) UpdateText(ctx context.Context, id, text string) (*model.QueueEntry, error) {
	text = s.sanitizer.Sanitize(text)
	if n := utf8.RuneCountInString(text); n > model.MaxContentLength {
		return nil, model.NewContentTooLongError(n)
	}
	if err := s.repo.UpdateText(ctx, id, text); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewQueueItemNotFoundError(id)
		}
		return nil, fmt.Errorf("投稿テキストの更新に失敗しました: %w", err)
	}
	return s.Get(ctx, id)
}

// Schedule は予約日時を設定する。nilで予約を解除する。
func (s *Service) Schedule(ctx context.Context, id string, at *time.Time) (*model.QueueEntry, error) {
	if at != nil {
		utc := at.UTC()
		at = &utc
	}
	if err := s.repo.Schedule(ctx, id, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewQueueItemNotFoundError(id)
		}
		return nil, fmt.Errorf("予約日時の更新に失敗しました: %w", err)
	}
	return s.Get(ctx, id)
}

// MarkPublished は公開済みとしてエントリをキューから外す。
func (s *Service) MarkPublished(ctx context.Context, id, postID string, at time.Time) error {
	if err := s.repo.MarkPublished(ctx, id, postID, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewQueueItemNotFoundError(id)
		}
		return fmt.Errorf("公開済みへの更新に失敗しました: %w", err)
	}
	return nil
}
