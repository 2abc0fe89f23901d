// Package classifier は投稿の関連度判定と書き換えを行う。
// 優先モデルから固定のフォールバック順にモデルを試し、
// レート制限を受けたプロバイダーはクールダウンに入れて次の候補へ進む。
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/curator/internal/llm"
	"github.com/hitoshi/curator/internal/settings"
)

// ErrAllModelsFailed はすべての候補モデルで分類できなかったことを示す。
var ErrAllModelsFailed = errors.New("all candidate models failed")

// 分類結果の記録に使う結果ラベル。
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
	OutcomeInvalid     = "invalid_response"
)

// Config は1回の分類に使う設定。
type Config struct {
	PreferredModel    string
	TargetLanguage    string
	PromptTemplate    string
	MinRelevanceScore float64
	RejectedPatterns  []string
}

// ConfigFromSettings はキュレーション設定から分類設定を組み立てる。
func ConfigFromSettings(s settings.Settings) Config {
	return Config{
		PreferredModel:    s.Model,
		TargetLanguage:    s.TargetLanguage,
		PromptTemplate:    s.PromptTemplate,
		MinRelevanceScore: s.MinRelevanceScore,
		RejectedPatterns:  s.RejectedPatterns,
	}
}

// Result は分類結果。
// Paraphraseには投稿に使う本文（引用、言い換え、翻訳、原文の順で選択）が入る。
type Result struct {
	Relevance       float64
	IsPersonal      bool
	IsCiteable      bool
	IsBreakingNews  bool
	Translation     string
	Paraphrase      string
	Citation        string
	Summary         string
	ShouldReject    bool
	RejectionReason string
	ModelUsed       string
}

// CooldownRegistry はプロバイダーの可用性の参照とレート制限の記録を行う。
type CooldownRegistry interface {
	IsAvailable(ctx context.Context, p llm.Provider) bool
	MarkRateLimited(ctx context.Context, p llm.Provider, retryAfter time.Duration)
}

// MetricsRecorder は分類結果のメトリクスを記録する。
type MetricsRecorder interface {
	RecordClassification(model, outcome string, latency time.Duration)
	RecordProviderCooldown(provider string)
}

// Classifier はContentClassifierの実装。
type Classifier struct {
	clients     llm.ClientSet
	registry    CooldownRegistry
	logger      *slog.Logger
	metrics     MetricsRecorder
	fallback    []string
	maxTokens   int
	temperature float64
}

// NewClassifier はClassifierを生成する。
func NewClassifier(clients llm.ClientSet, registry CooldownRegistry, logger *slog.Logger) *Classifier {
	return &Classifier{
		clients:     clients,
		registry:    registry,
		logger:      logger,
		fallback:    llm.DefaultFallbackModels,
		maxTokens:   1024,
		temperature: 0.3,
	}
}

// WithMetrics はメトリクス記録先を設定する。
func (c *Classifier) WithMetrics(m MetricsRecorder) *Classifier {
	c.metrics = m
	return c
}

// Classify はtextを分類する。
// 除外パターンに一致した場合はモデルを呼ばずに関連度0で却下する。
func (c *Classifier) Classify(ctx context.Context, text string, cfg Config) (*Result, error) {
	if pattern, ok := matchRejectedPattern(text, cfg.RejectedPatterns); ok {
		return &Result{
			Relevance:       0,
			Paraphrase:      text,
			ShouldReject:    true,
			RejectionReason: "matched pattern: " + pattern,
		}, nil
	}

	s := settings.Settings{PromptTemplate: cfg.PromptTemplate, TargetLanguage: cfg.TargetLanguage}
	req := llm.Request{
		SystemPrompt: systemPrompt(cfg.TargetLanguage),
		UserPrompt:   s.RenderPrompt(text),
		MaxTokens:    c.maxTokens,
		Temperature:  c.temperature,
		JSON:         true,
	}

	var lastErr error
	for _, model := range llm.CandidateModels(cfg.PreferredModel, c.fallback) {
		client, provider, ok := c.clients.For(model)
		if !ok {
			continue
		}
		if !c.registry.IsAvailable(ctx, provider) {
			c.logger.Info("クールダウン中のためモデルをスキップします",
				slog.String("model", model),
				slog.String("provider", string(provider)),
			)
			continue
		}

		req.Model = model
		start := time.Now()
		raw, err := client.Complete(ctx, req)
		latency := time.Since(start)

		if err != nil {
			lastErr = err
			if rl, ok := llm.AsRateLimit(err); ok {
				c.registry.MarkRateLimited(ctx, provider, rl.RetryAfter)
				c.record(model, OutcomeRateLimited, latency)
				if c.metrics != nil {
					c.metrics.RecordProviderCooldown(string(provider))
				}
				continue
			}
			c.record(model, OutcomeError, latency)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.logger.Warn("モデル呼び出しに失敗しました",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			continue
		}

		v, err := parseVerdict(raw)
		if err != nil {
			lastErr = err
			c.record(model, OutcomeInvalid, latency)
			c.logger.Warn("モデル応答の解析に失敗しました",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.record(model, OutcomeSuccess, latency)
		return decide(v, text, model, cfg.MinRelevanceScore), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
	}
	return nil, fmt.Errorf("%w: no available model", ErrAllModelsFailed)
}

func (c *Classifier) record(model, outcome string, latency time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordClassification(model, outcome, latency)
	}
}

// decide は却下判定と出力テキストの選択を行う。
func decide(v *verdict, original, model string, minRelevance float64) *Result {
	r := &Result{
		Relevance:      v.Relevance,
		IsPersonal:     v.IsPersonal,
		IsCiteable:     v.IsCiteable,
		IsBreakingNews: v.IsBreakingNews,
		Translation:    v.Translation,
		Citation:       v.Citation,
		Summary:        v.Summary,
		ModelUsed:      model,
	}

	switch {
	case v.Relevance < minRelevance:
		r.ShouldReject = true
		r.RejectionReason = fmt.Sprintf("relevance %.1f below minimum %.1f", v.Relevance, minRelevance)
	case v.IsPersonal && !v.IsCiteable:
		r.ShouldReject = true
		r.RejectionReason = fmt.Sprintf("personal content not citeable (relevance %.1f, personal=%t, citeable=%t)",
			v.Relevance, v.IsPersonal, v.IsCiteable)
	}

	switch {
	case v.IsPersonal && v.IsCiteable && v.Citation != "":
		r.Paraphrase = v.Citation
	case v.Paraphrase != "":
		r.Paraphrase = v.Paraphrase
	case v.Translation != "":
		r.Paraphrase = v.Translation
	default:
		r.Paraphrase = original
	}
	return r
}

// matchRejectedPattern は大文字小文字を区別せずに除外パターンを探す。
func matchRejectedPattern(text string, patterns []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

func systemPrompt(lang string) string {
	return fmt.Sprintf("You curate technology posts for a news account. "+
		"Write every text field in the language with code %q. "+
		"Respond with a single JSON object only, with no prose and no code fences.", lang)
}
