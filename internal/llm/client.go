package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

// Request はモデル呼び出し1回分の入力。
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	JSON         bool // JSONのみで応答させる
}

// Client はモデルを呼び出すインターフェース。
// レート制限は*RateLimitErrorとして返す。
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientSet はプロバイダーごとのクライアント。
// APIキーが設定されたプロバイダーのみ登録される。
type ClientSet map[Provider]Client

// For はモデルIDに対応するクライアントとプロバイダーを返す。
func (cs ClientSet) For(model string) (Client, Provider, bool) {
	p, ok := ProviderFor(model)
	if !ok {
		return nil, "", false
	}
	c, ok := cs[p]
	return c, p, ok
}

// Providers は登録済みのプロバイダーを宣言順に返す。
func (cs ClientSet) Providers() []Provider {
	var out []Provider
	for _, p := range AllProviders() {
		if _, ok := cs[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

var errEmptyResponse = errors.New("empty response")

// anthropicPrompt はllmkitの呼び出しを差し替え可能にするための関数型。
type anthropicPrompt func(systemPrompt, userPrompt, apiKey string, settings types.RequestSettings) (string, error)

// AnthropicClient はllmkit経由でAnthropicのモデルを呼び出す。
type AnthropicClient struct {
	apiKey  string
	timeout time.Duration
	prompt  anthropicPrompt
}

// NewAnthropicClient はAnthropicClientを生成する。timeoutが0以下の場合は呼び出し元のctxだけに従う。
func NewAnthropicClient(apiKey string, timeout time.Duration) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey, timeout: timeout, prompt: llmkitPrompt}
}

// Timeout は1回の呼び出しに許す時間を返す。
func (c *AnthropicClient) Timeout() time.Duration {
	return c.timeout
}

func llmkitPrompt(systemPrompt, userPrompt, apiKey string, settings types.RequestSettings) (string, error) {
	response, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, "", apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(response.Content) == 0 {
		return "", errEmptyResponse
	}
	return response.Content[0].Text, nil
}

// Complete はモデルを呼び出して応答テキストを返す。
// llmkitはcontextを受け取らないため、呼び出しは別goroutineで行いctxの終了を優先する。
// 1回の呼び出しはtimeoutで打ち切る。
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	settings := types.RequestSettings{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.prompt(req.SystemPrompt, req.UserPrompt, c.apiKey, settings)
		done <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("anthropic request aborted: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			if looksRateLimited(r.err.Error()) {
				return "", &RateLimitError{
					Provider:   ProviderAnthropic,
					RetryAfter: ParseRetryAfter(r.err.Error()),
					Message:    r.err.Error(),
				}
			}
			return "", fmt.Errorf("anthropic request failed: %w", r.err)
		}
		return r.text, nil
	}
}
