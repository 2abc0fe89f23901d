package content

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/model"
)

func TestComposeForClassification(t *testing.T) {
	post := model.CandidatePost{Text: "main text"}
	if got := ComposeForClassification(post); got != "main text" {
		t.Errorf("without quote = %q, want %q", got, "main text")
	}

	post.Quote = &model.QuotedPost{AuthorHandle: "@rob", Text: " quoted ", URL: "https://x.com/rob/status/1"}
	want := "main text\n\n[Quoted post by @rob: \"quoted\" https://x.com/rob/status/1]"
	if got := ComposeForClassification(post); got != want {
		t.Errorf("with quote = %q, want %q", got, want)
	}

	post.Quote = &model.QuotedPost{AuthorHandle: "rob", Text: "q"}
	want = "main text\n\n[Quoted post by @rob: \"q\"]"
	if got := ComposeForClassification(post); got != want {
		t.Errorf("quote without URL = %q, want %q", got, want)
	}
}

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"URLなし", "nothing here", nil},
		{"句読点と括弧を除去し重複を除く", "See https://a.com/x. And (https://b.com/y) and https://a.com/x!", []string{"https://a.com/x", "https://b.com/y"}},
		{"対応する括弧は残す", "https://en.wikipedia.org/wiki/Go_(programming_language)", []string{"https://en.wikipedia.org/wiki/Go_(programming_language)"}},
		{"スキームだけは無視", "https://", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractURLs(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractURLs() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ExtractURLs()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEnsureURLs(t *testing.T) {
	u := "https://a.co/x"

	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"欠けたURLを追加", "hola", 280, "hola " + u},
		{"既にあれば変更しない", "hola " + u, 280, "hola " + u},
		{"収まらなければ追加しない", "hola", 10, "hola"},
		{"limit 0は無制限", "hola", 0, "hola " + u},
		{"空の本文", "", 0, u},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnsureURLs(tt.text, []string{u}, tt.limit); got != tt.want {
				t.Errorf("EnsureURLs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate_ShortTextUnchanged(t *testing.T) {
	text := "short https://example.com"
	if got := Truncate(text, 280); got != text {
		t.Errorf("Truncate() = %q, want %q", got, text)
	}
}

func TestTruncate_LongWordKeepsURL(t *testing.T) {
	text := strings.Repeat("A", 300) + " https://example.com/x"
	got := Truncate(text, 280)

	if n := utf8.RuneCountInString(got); n > 280 {
		t.Fatalf("length = %d, want <= 280", n)
	}
	if !strings.HasSuffix(got, "… https://example.com/x") {
		t.Errorf("Truncate() = %q, want prose cut with ellipsis followed by the URL", got)
	}
	if n := utf8.RuneCountInString(got); n != 280 {
		t.Errorf("length = %d, want 280", n)
	}
}

func TestTruncate_WordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 70)

	got := Truncate(text, 98)
	want := strings.Repeat("word ", 18) + "word…"
	if got != want {
		t.Errorf("Truncate() = %q, want %q", got, want)
	}

	got = Truncate(text, 100)
	want = strings.Repeat("word ", 19) + "word…"
	if got != want {
		t.Errorf("Truncate() = %q, want %q", got, want)
	}
}

func TestTruncate_HardCutWhenBoundaryTooEarly(t *testing.T) {
	text := "Short " + strings.Repeat("x", 200)
	got := Truncate(text, 100)

	want := "Short " + strings.Repeat("x", 93) + "…"
	if got != want {
		t.Errorf("Truncate() = %q, want %q", got, want)
	}
}

func TestTruncate_DropsTrailingURLThatCannotFit(t *testing.T) {
	long := "https://b.example/" + strings.Repeat("p", 40)
	text := "hello world https://a.example/one " + long
	got := Truncate(text, 60)

	if got != "hello world https://a.example/one" {
		t.Errorf("Truncate() = %q", got)
	}
}

func TestTruncate_OnlyURLFits(t *testing.T) {
	got := Truncate("some text https://example.com/x", 21)
	if got != "https://example.com/x" {
		t.Errorf("Truncate() = %q, want the URL alone", got)
	}
}

func TestFinalize_RestoresSourceURL(t *testing.T) {
	paraphrase := strings.Repeat("palabra ", 40)
	got := Finalize(paraphrase, []string{"https://example.com/a"}, 280)

	if n := utf8.RuneCountInString(got); n > 280 {
		t.Fatalf("length = %d, want <= 280", n)
	}
	if !strings.HasSuffix(got, " https://example.com/a") {
		t.Errorf("Finalize() = %q, want it to end with the source URL", got)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("hello   world\nfoo", 5); got != "hello…" {
		t.Errorf("Preview() = %q, want %q", got, "hello…")
	}
	if got := Preview("hi", 5); got != "hi" {
		t.Errorf("Preview() = %q, want %q", got, "hi")
	}
	if got := Preview("ñandú ñandú", 5); got != "ñandú…" {
		t.Errorf("Preview() = %q, want %q", got, "ñandú…")
	}
}

func TestFromHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "段落と改行、短縮リンク、メンション",
			in: `<p>Go 1.25 released<br>Read more: <a href="https://go.dev/blog/go1.25">go.dev/blog/go1.2…</a></p>` +
				`<p>cc <a href="https://nitter.net/golang">@golang</a> <a href="https://nitter.net/search?q=%23go">#go</a></p>`,
			want: "Go 1.25 released\nRead more: https://go.dev/blog/go1.25\ncc @golang #go",
		},
		{
			name: "通常のリンクテキストは残す",
			in:   `see <a href="https://example.com">the announcement</a>`,
			want: "see the announcement",
		},
		{
			name: "エンティティを戻す",
			in:   "Tom &amp; Jerry",
			want: "Tom & Jerry",
		},
		{
			name: "scriptを除去",
			in:   "hi<script>x()</script> there",
			want: "hi there",
		},
		{
			name: "空入力",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromHTML(tt.in); got != tt.want {
				t.Errorf("FromHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}
