package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/curator/internal/model"
)

// Store は保存済み設定の永続化インターフェース。
// 保存された値はJSONのまま扱い、既定値への上書きはServiceで行う。
type Store interface {
	// Load は保存済みのJSONを返す。未保存の場合はnilを返す。
	Load(ctx context.Context) ([]byte, error)
	// Save はJSONを保存する。
	Save(ctx context.Context, data []byte) error
}

// Service は既定値と保存値を合成した現在の設定を提供する。
type Service struct {
	store    Store
	defaults Settings
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(store Store, defaults Settings, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// Current は現在の設定を返す。
// 保存値に存在しないキーは既定値のまま残る。
func (s *Service) Current(ctx context.Context) (Settings, error) {
	current := s.defaults.Clone()

	data, err := s.store.Load(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if data == nil {
		return current, nil
	}

	if err := json.Unmarshal(data, &current); err != nil {
		s.logger.Warn("保存済み設定の解析に失敗したため既定値を使用します",
			slog.String("error", err.Error()),
		)
		return s.defaults.Clone(), nil
	}
	return current, nil
}

// Update は現在の設定にpatchのJSONを重ねて検証し、保存する。
// patchに含まれないキーは現在値を保持する。
func (s *Service) Update(ctx context.Context, patch []byte) (Settings, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return Settings{}, err
	}

	if err := json.Unmarshal(patch, &current); err != nil {
		return Settings{}, model.NewInvalidRequestError(err.Error())
	}

	if err := current.Validate(); err != nil {
		if errors.Is(err, ErrInvalid) {
			return Settings{}, model.NewInvalidSettingsError(err.Error())
		}
		return Settings{}, err
	}

	data, err := json.Marshal(current)
	if err != nil {
		return Settings{}, fmt.Errorf("設定のシリアライズに失敗しました: %w", err)
	}
	if err := s.store.Save(ctx, data); err != nil {
		return Settings{}, fmt.Errorf("設定の保存に失敗しました: %w", err)
	}

	s.logger.Info("設定を更新しました",
		slog.String("model", current.Model),
		slog.String("target_language", current.TargetLanguage),
	)
	return current, nil
}
