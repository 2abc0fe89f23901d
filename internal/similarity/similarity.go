// Package similarity は既存コンテンツとの近似重複を検出する。
// 正規化したトークン集合の重なりで判定し、同じ話題の言い換えを拾い、
// 別の話題は通す程度の閾値を用いる。
package similarity

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode"
)

const (
	// JaccardThreshold はJaccard係数の閾値。
	JaccardThreshold = 0.5
	// OverlapThreshold は重なり係数（共通トークン数 / 小さい方の集合サイズ）の閾値。
	OverlapThreshold = 0.75
	// MinOverlapTokens は重なり係数を使うために両方の集合が持つべき最小トークン数。
	MinOverlapTokens = 5
	// minTokenLen より短いトークンは無視する。
	minTokenLen = 3
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// stopwords は英語とスペイン語の頻出語。
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true, "that": true,
	"from": true, "are": true, "was": true, "has": true, "have": true, "you": true,
	"your": true, "its": true, "our": true, "new": true, "now": true, "just": true,
	"los": true, "las": true, "del": true, "una": true, "con": true, "para": true,
	"que": true, "por": true, "como": true, "más": true, "mas": true, "este": true,
	"esta": true, "sus": true, "son": true, "nuevo": true, "nueva": true, "ahora": true,
}

// tokenSet は正規化済みのトークン集合。
type tokenSet map[string]struct{}

// normalize は小文字化してURLを除去し、空白を詰めた文字列を返す。
func normalize(text string) string {
	text = urlPattern.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// linkKeys は本文中のURLをスキームと末尾の句読点を除いた形で出現順に返す。
// リンク先の違う投稿を別物として扱うため、各キーは1つのトークンになる。
func linkKeys(text string) []string {
	var keys []string
	for _, u := range urlPattern.FindAllString(strings.ToLower(text), -1) {
		u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		u = strings.TrimRight(u, `.,;:!?)]}"'/`)
		if u != "" {
			keys = append(keys, u)
		}
	}
	return keys
}

func tokenize(normalized string, links []string) tokenSet {
	set := make(tokenSet)
	for _, tok := range strings.Fields(normalized) {
		if len([]rune(tok)) < minTokenLen || stopwords[tok] {
			continue
		}
		set[tok] = struct{}{}
	}
	for _, link := range links {
		set[link] = struct{}{}
	}
	return set
}

// entry は正規化済みのコーパス要素。
type entry struct {
	normalized string
	links      []string
	tokens     tokenSet
}

func newEntry(text string) entry {
	n := normalize(text)
	links := linkKeys(text)
	return entry{normalized: n, links: links, tokens: tokenize(n, links)}
}

// sameText は本文とURLの両方が一致する場合にtrueを返す。空の本文同士は一致としない。
func (a entry) sameText(b entry) bool {
	if a.normalized == "" && len(a.links) == 0 {
		return false
	}
	return a.normalized == b.normalized && slices.Equal(a.links, b.links)
}

func (a entry) similarTo(b entry) bool {
	if a.sameText(b) {
		return true
	}
	if len(a.tokens) == 0 || len(b.tokens) == 0 {
		return false
	}

	small, large := a.tokens, b.tokens
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}

	union := len(a.tokens) + len(b.tokens) - shared
	if float64(shared)/float64(union) >= JaccardThreshold {
		return true
	}
	if len(small) >= MinOverlapTokens && float64(shared)/float64(len(small)) >= OverlapThreshold {
		return true
	}
	return false
}

// IsSimilar はcandidateがcorpusのいずれかと近似重複ならtrueを返す。
// 本文とURLが正規化後に完全一致する場合は常に一致とみなす。
func IsSimilar(candidate string, corpus []string) bool {
	c := newEntry(candidate)
	for _, text := range corpus {
		if c.similarTo(newEntry(text)) {
			return true
		}
	}
	return false
}

// Corpus は1回の取り込み処理の間だけ保持する比較対象の集合。
// 処理中に受け入れた項目を追加し、同じバッチ内の後続項目の比較対象にする。
type Corpus struct {
	mu      sync.RWMutex
	entries []entry
}

// NewCorpus はtextsで初期化したCorpusを返す。
func NewCorpus(texts []string) *Corpus {
	c := &Corpus{entries: make([]entry, 0, len(texts))}
	for _, t := range texts {
		c.Add(t)
	}
	return c
}

// Add はtextを比較対象に追加する。空文字列は無視する。
func (c *Corpus) Add(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e := newEntry(text)
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

// IsSimilar はcandidateがいずれかの要素と近似重複ならtrueを返す。
func (c *Corpus) IsSimilar(candidate string) bool {
	e := newEntry(candidate)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, existing := range c.entries {
		if e.similarTo(existing) {
			return true
		}
	}
	return false
}

// Len は要素数を返す。
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
