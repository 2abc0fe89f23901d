package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultRetryAfter はエラーから待機時間を読み取れない場合のクールダウン。
const DefaultRetryAfter = 600 * time.Second

// RateLimitError はプロバイダーのレート制限を表す。
type RateLimitError struct {
	Provider   Provider
	RetryAfter time.Duration
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s): %s", e.Provider, e.RetryAfter, e.Message)
}

// AsRateLimit はerrがレート制限エラーであればそれを返す。
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// retryHint は "try again in 7m12.5s" 形式のヒントにマッチする。
var retryHint = regexp.MustCompile(`(?i)try again in\s+([0-9][0-9hms.]*)`)

// ParseRetryAfter はエラーメッセージ中の待機時間ヒントを解析する。
// "7m12.5s"、"45.2s"、"3m"、"580ms" などを受け付け、
// 読み取れない場合はDefaultRetryAfterを返す。
func ParseRetryAfter(msg string) time.Duration {
	m := retryHint.FindStringSubmatch(msg)
	if m == nil {
		return DefaultRetryAfter
	}
	d, err := time.ParseDuration(strings.TrimRight(m[1], "."))
	if err != nil || d <= 0 {
		return DefaultRetryAfter
	}
	return d
}

// looksRateLimited はSDKのエラー文言からレート制限かを推定する。
func looksRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests")
}
