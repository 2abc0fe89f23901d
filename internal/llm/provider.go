// Package llm は分類に使う言語モデルのプロバイダー、クライアント、
// レート制限によるクールダウン状態を提供する。
package llm

import "strings"

// Provider はモデルを実行するバックエンドを表す。
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderGroq       Provider = "groq"
	ProviderOpenRouter Provider = "openrouter"
)

// AllProviders は既知のプロバイダーを宣言順に返す。
func AllProviders() []Provider {
	return []Provider{ProviderGroq, ProviderAnthropic, ProviderOpenRouter}
}

// DefaultFallbackModels は優先モデルが使えない場合に試すモデルの固定順序。
var DefaultFallbackModels = []string{
	"llama-3.3-70b-versatile",
	"openai/gpt-oss-120b",
	"claude-3-5-haiku-latest",
	"meta-llama/llama-3.3-70b-instruct:free",
}

// catalog はモデルIDとプロバイダーの対応表。
var catalog = map[string]Provider{
	"llama-3.3-70b-versatile":                ProviderGroq,
	"llama-3.1-8b-instant":                   ProviderGroq,
	"openai/gpt-oss-120b":                    ProviderGroq,
	"openai/gpt-oss-20b":                     ProviderGroq,
	"claude-3-5-haiku-latest":                ProviderAnthropic,
	"claude-sonnet-4-5":                      ProviderAnthropic,
	"meta-llama/llama-3.3-70b-instruct:free": ProviderOpenRouter,
	"deepseek/deepseek-chat-v3-0324:free":    ProviderOpenRouter,
}

// ProviderFor はモデルIDからプロバイダーを解決する。
// カタログにないIDは claude- 接頭辞ならanthropic、"/" を含めばopenrouterとみなす。
func ProviderFor(model string) (Provider, bool) {
	if p, ok := catalog[model]; ok {
		return p, true
	}
	switch {
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic, true
	case strings.Contains(model, "/"):
		return ProviderOpenRouter, true
	}
	return "", false
}

// CandidateModels は優先モデルの後に固定フォールバック順を重複なしで並べる。
func CandidateModels(preferred string, fallback []string) []string {
	seen := make(map[string]bool, len(fallback)+1)
	out := make([]string, 0, len(fallback)+1)
	for _, m := range append([]string{preferred}, fallback...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
