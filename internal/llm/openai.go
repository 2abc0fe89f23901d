package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAI互換のchat completionsエンドポイント。
const (
	GroqEndpoint       = "https://api.groq.com/openai/v1/chat/completions"
	OpenRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"
)

// OpenAICompatibleClient はOpenAI互換APIを提供するプロバイダー（Groq、OpenRouter）のクライアント。
type OpenAICompatibleClient struct {
	provider   Provider
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ Client = (*OpenAICompatibleClient)(nil)
var _ Client = (*AnthropicClient)(nil)

// NewOpenAICompatibleClient はOpenAICompatibleClientを生成する。
func NewOpenAICompatibleClient(provider Provider, endpoint, apiKey string, timeout time.Duration) *OpenAICompatibleClient {
	return &OpenAICompatibleClient{
		provider:   provider,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete はchat completionsを呼び出して最初の選択肢の本文を返す。
func (c *OpenAICompatibleClient) Complete(ctx context.Context, req Request) (string, error) {
	payload := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", c.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", c.provider, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		msg := strings.TrimSpace(string(raw))
		return "", &RateLimitError{
			Provider:   c.provider,
			RetryAfter: retryAfterFromResponse(resp.Header.Get("Retry-After"), msg),
			Message:    msg,
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%s error %s: %s", c.provider, resp.Status, truncateForError(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode %s response: %w", c.provider, err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		if looksRateLimited(parsed.Error.Message) {
			return "", &RateLimitError{
				Provider:   c.provider,
				RetryAfter: ParseRetryAfter(parsed.Error.Message),
				Message:    parsed.Error.Message,
			}
		}
		return "", fmt.Errorf("%s error: %s", c.provider, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%s: %w", c.provider, errEmptyResponse)
	}

	return parsed.Choices[0].Message.Content, nil
}

// retryAfterFromResponse はRetry-Afterヘッダー（秒）を優先し、なければ本文のヒントを解析する。
func retryAfterFromResponse(header, body string) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return ParseRetryAfter(body)
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
