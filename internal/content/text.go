// Package content は投稿本文の組み立てと投稿前の整形を行う。
// 文字数はすべてrune単位で数える。
package content

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/model"
)

// MinProseBudget は単語境界での切り詰めを諦めて途中で切る閾値。
const MinProseBudget = 50

const ellipsis = "…"

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ComposeForClassification は分類に渡す本文を組み立てる。
// 引用投稿がある場合は本文の後ろに注記として付ける。
func ComposeForClassification(post model.CandidatePost) string {
	q := post.Quote
	if q == nil || strings.TrimSpace(q.Text) == "" {
		return post.Text
	}
	note := fmt.Sprintf("[Quoted post by @%s: \"%s\"", strings.TrimPrefix(q.AuthorHandle, "@"), strings.TrimSpace(q.Text))
	if q.URL != "" {
		note += " " + q.URL
	}
	return post.Text + "\n\n" + note + "]"
}

// ExtractURLs はtext中のhttp(s) URLを出現順に重複なく返す。
// 文末の句読点はURLに含めない。
func ExtractURLs(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, raw := range urlPattern.FindAllString(text, -1) {
		u := trimURL(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func trimURL(u string) string {
	for u != "" {
		r, size := utf8.DecodeLastRuneInString(u)
		switch {
		case strings.ContainsRune(".,;:!?'\"…", r):
		case r == ')' && strings.Count(u, "(") < strings.Count(u, ")"):
		case r == ']' && strings.Count(u, "[") < strings.Count(u, "]"):
		default:
			if !strings.Contains(u, "://") || strings.HasSuffix(u, "://") {
				return ""
			}
			return u
		}
		u = u[:len(u)-size]
	}
	return ""
}

// EnsureURLs はtextに含まれないURLを空白区切りで末尾に追加する。
// limitが正の場合は、追加後の長さがlimitに収まるURLだけを追加する。
func EnsureURLs(text string, urls []string, limit int) string {
	out := strings.TrimSpace(text)
	for _, u := range urls {
		if u == "" || strings.Contains(out, u) {
			continue
		}
		next := u
		if out != "" {
			next = out + " " + u
		}
		if limit > 0 && utf8.RuneCountInString(next) > limit {
			continue
		}
		out = next
	}
	return out
}

// Truncate はtextをlimit文字以内に収める。
// URLは分割せず末尾にまとめて残し、収まらない場合は後ろのURLから落とす。
// 本文は単語境界で切って「…」を付ける。単語境界で切るとMinProseBudget未満しか
// 残らない場合に限り単語の途中で切る。
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	urls := ExtractURLs(text)
	prose := strings.Join(strings.Fields(urlPattern.ReplaceAllString(text, " ")), " ")

	for len(urls) > 0 && utf8.RuneCountInString(strings.Join(urls, " ")) > limit {
		urls = urls[:len(urls)-1]
	}
	tail := strings.Join(urls, " ")

	budget := limit - utf8.RuneCountInString(tail)
	if tail != "" {
		budget-- // 本文とURLの間の空白
	}
	body := cutProse(prose, budget)

	switch {
	case body == "":
		return tail
	case tail == "":
		return body
	}
	return body + " " + tail
}

// cutProse はproseをbudget文字以内に切り詰める。切った場合は末尾に「…」を付ける。
func cutProse(prose string, budget int) string {
	if budget <= 0 || prose == "" {
		return ""
	}
	r := []rune(prose)
	if len(r) <= budget {
		return prose
	}
	if budget == 1 {
		return ellipsis
	}

	keep := budget - 1
	cut := keep
	if !unicode.IsSpace(r[keep]) {
		if idx := lastSpace(r[:keep]); idx >= MinProseBudget {
			cut = idx
		}
	}
	body := strings.TrimRightFunc(string(r[:cut]), func(c rune) bool {
		return unicode.IsSpace(c) || strings.ContainsRune(",;:", c)
	})
	return body + ellipsis
}

func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if unicode.IsSpace(r[i]) {
			return i
		}
	}
	return -1
}

// Finalize は投稿本文を確定する。
// 元投稿のURLが欠けていれば補い、limit文字に収める。
func Finalize(text string, sourceURLs []string, limit int) string {
	return Truncate(EnsureURLs(text, sourceURLs, 0), limit)
}

// Preview は空白を詰めたn文字までのプレビューを返す。
func Preview(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	r := []rune(flat)
	if n <= 0 || len(r) <= n {
		return flat
	}
	return string(r[:n]) + ellipsis
}
