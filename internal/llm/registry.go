package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cooldown はプロバイダーごとのレート制限状態。
type Cooldown struct {
	BlockedUntil      time.Time `json:"blocked_until"`
	RetryAfterSeconds float64   `json:"retry_after_seconds"`
}

// CooldownStore はクールダウン状態の保存先。
// 単一プロセスではMemoryCooldownStore、複数インスタンスではRedisを使う。
type CooldownStore interface {
	// Get はクールダウンを返す。未設定の場合はfalseを返す。
	Get(ctx context.Context, p Provider) (Cooldown, bool, error)
	// Set はクールダウンを保存する。
	Set(ctx context.Context, p Provider, c Cooldown) error
}

// ProviderStatus はプロバイダーの可用性のスナップショット。
type ProviderStatus struct {
	Provider          Provider   `json:"provider"`
	Available         bool       `json:"available"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	RetryAfterSeconds float64    `json:"retry_after_seconds,omitempty"`
}

// Registry はプロバイダーの可用性を判定し、レート制限を記録する。
// クールダウンは参考情報であり、状態の読み書きに失敗しても利用可能とみなす。
type Registry struct {
	store  CooldownStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry はRegistryを生成する。
func NewRegistry(store CooldownStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// IsAvailable はプロバイダーがクールダウン中でなければtrueを返す。
func (r *Registry) IsAvailable(ctx context.Context, p Provider) bool {
	c, ok, err := r.store.Get(ctx, p)
	if err != nil {
		r.logger.Warn("クールダウン状態の取得に失敗しました",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !ok {
		return true
	}
	return !r.now().Before(c.BlockedUntil)
}

// MarkRateLimited はプロバイダーをretryAfterの間クールダウンさせる。
// retryAfterが0以下の場合はDefaultRetryAfterを使う。
func (r *Registry) MarkRateLimited(ctx context.Context, p Provider, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	c := Cooldown{
		BlockedUntil:      r.now().Add(retryAfter),
		RetryAfterSeconds: retryAfter.Seconds(),
	}
	if err := r.store.Set(ctx, p, c); err != nil {
		r.logger.Warn("クールダウン状態の保存に失敗しました",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Warn("プロバイダーをクールダウンに設定しました",
		slog.String("provider", string(p)),
		slog.Float64("retry_after_seconds", c.RetryAfterSeconds),
		slog.Time("blocked_until", c.BlockedUntil),
	)
}

// MarkRateLimitedFromMessage はエラーメッセージのヒントから待機時間を決めて記録する。
func (r *Registry) MarkRateLimitedFromMessage(ctx context.Context, p Provider, msg string) {
	r.MarkRateLimited(ctx, p, ParseRetryAfter(msg))
}

// PickModel は優先モデルのプロバイダーが使えればそれを返し、
// 使えなければfallbackを宣言順に走査して最初に使えるモデルを返す。
func (r *Registry) PickModel(ctx context.Context, preferred string, fallback []string) (string, bool) {
	for _, m := range CandidateModels(preferred, fallback) {
		p, ok := ProviderFor(m)
		if !ok {
			continue
		}
		if r.IsAvailable(ctx, p) {
			return m, true
		}
	}
	return "", false
}

// Status は指定プロバイダーの可用性を返す。
func (r *Registry) Status(ctx context.Context, providers []Provider) []ProviderStatus {
	now := r.now()
	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		st := ProviderStatus{Provider: p, Available: true}
		c, ok, err := r.store.Get(ctx, p)
		if err == nil && ok && now.Before(c.BlockedUntil) {
			until := c.BlockedUntil
			st.Available = false
			st.BlockedUntil = &until
			st.RetryAfterSeconds = c.RetryAfterSeconds
		}
		out = append(out, st)
	}
	return out
}

// MemoryCooldownStore はプロセス内メモリのCooldownStore。
type MemoryCooldownStore struct {
	mu        sync.Mutex
	cooldowns map[Provider]Cooldown
}

// NewMemoryCooldownStore はMemoryCooldownStoreを生成する。
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{cooldowns: make(map[Provider]Cooldown)}
}

// Get はクールダウンを返す。
func (s *MemoryCooldownStore) Get(ctx context.Context, p Provider) (Cooldown, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cooldowns[p]
	return c, ok, nil
}

// Set はクールダウンを保存する。
func (s *MemoryCooldownStore) Set(ctx context.Context, p Provider, c Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[p] = c
	return nil
}
