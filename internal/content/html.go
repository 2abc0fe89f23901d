package content

import (
	"strings"

	"golang.org/x/net/html"
)

// FromHTML はフィード本文のHTML断片をプレーンテキストに変換する。
// br, pは改行にする。短縮表示されたリンクはhref全体に置き換える。
// @メンションとハッシュタグはリンクテキストのまま残す。
func FromHTML(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))

	var (
		b        strings.Builder
		inAnchor bool
		href     string
		anchor   strings.Builder
		skip     int
	)

	newline := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF以外でもそれまでに読めた分を返す
			return normalizeLines(b.String())

		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := string(z.Text())
			if inAnchor {
				anchor.WriteString(text)
			} else {
				b.WriteString(text)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "br":
				b.WriteString("\n")
			case "p", "div":
				newline()
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "a":
				inAnchor = true
				href = ""
				anchor.Reset()
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						href = string(val)
					}
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "p", "div":
				newline()
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "a":
				if inAnchor {
					b.WriteString(anchorText(anchor.String(), href))
					inAnchor = false
				}
			}
		}
	}
}

// anchorText はリンクの表示テキストを決める。
func anchorText(text, href string) string {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "@") || strings.HasPrefix(text, "#") {
		return text
	}
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return text
	}
	if isShortenedLink(text, href) {
		return href
	}
	return text
}

func isShortenedLink(text, href string) bool {
	shown := strings.TrimRight(bareURL(text), "….")
	if shown == "" || strings.ContainsAny(shown, " \t\n") {
		return false
	}
	return strings.HasPrefix(bareURL(href), shown)
}

func bareURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimPrefix(u, "www.")
}

// normalizeLines は各行の空白を詰め、連続する空行を1つにまとめる。
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
