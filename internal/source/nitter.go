// Package source はキュレーション対象の投稿を外部から取得する。
// NitterFetcherはNitterインスタンスのアカウント別RSSを読み、投稿候補に変換する。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/curator/internal/content"
	"github.com/hitoshi/curator/internal/model"
)

const (
	// PermalinkBase は書き換え後の投稿URLのホスト。
	PermalinkBase = "https://x.com"
	// MediaBase はNitterの/pic/プロキシを外した画像URLのホスト。
	MediaBase = "https://pbs.twimg.com"

	userAgent = "Curator/1.0 (+https://github.com/hitoshi/curator)"
)

// ErrNoAccounts は取得対象のアカウントが設定されていないことを示す。
var ErrNoAccounts = errors.New("no source accounts configured")

// statusPath は /<handle>/status/<id> 形式のパス。
var statusPath = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})/status/([0-9]+)`)

// URLGuard はSSRF検証付きのHTTPクライアントを提供する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer は著者名などの表示用文字列からマークアップを除去する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// Config はNitterFetcherの設定。
type Config struct {
	BaseURL     string
	Accounts    []string
	Timeout     time.Duration
	MaxBodySize int64
}

// NitterFetcher はNitterのRSSから投稿候補を取得する。
type NitterFetcher struct {
	baseURL     string
	accounts    []string
	guard       URLGuard
	sanitizer   TextSanitizer
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
	backoff     *backoffTracker
}

// NewNitterFetcher はNitterFetcherを生成する。
func NewNitterFetcher(cfg Config, guard URLGuard, sanitizer TextSanitizer, logger *slog.Logger) *NitterFetcher {
	accounts := make([]string, 0, len(cfg.Accounts))
	seen := make(map[string]bool)
	for _, a := range cfg.Accounts {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		accounts = append(accounts, a)
	}
	return &NitterFetcher{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accounts:    accounts,
		guard:       guard,
		sanitizer:   sanitizer,
		logger:      logger,
		timeout:     cfg.Timeout,
		maxBodySize: cfg.MaxBodySize,
		backoff:     newBackoffTracker(),
	}
}

// FetchRecentPosts は全アカウントのフィードを取得し、新しい順に最大count件を返す。
// 一部のアカウントの取得に失敗しても残りの結果を返す。すべて失敗した場合はエラーを返す。
// 失敗したアカウントはバックオフ期間が過ぎるまで取得しない。
func (f *NitterFetcher) FetchRecentPosts(ctx context.Context, count int) ([]model.CandidatePost, error) {
	if len(f.accounts) == 0 {
		return nil, ErrNoAccounts
	}

	var (
		posts   []model.CandidatePost
		seen    = make(map[string]bool)
		errs    []error
		failed  int
		skipped int
	)
	for _, account := range f.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if until, ok := f.backoff.ready(account); !ok {
			skipped++
			errs = append(errs, fmt.Errorf("%s: backing off until %s", account, until.Format(time.RFC3339)))
			f.logger.Info("バックオフ中のアカウントをスキップしました",
				slog.String("account", account),
				slog.Time("next_attempt", until),
			)
			continue
		}
		fetched, err := f.fetchAccount(ctx, account)
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
			delay := f.backoff.failure(account, err)
			f.logger.Warn("アカウントのフィード取得に失敗しました",
				slog.String("account", account),
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
			continue
		}
		f.backoff.success(account)
		for _, p := range fetched {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			posts = append(posts, p)
		}
	}

	if failed+skipped == len(f.accounts) {
		return nil, fmt.Errorf("fetch source feeds: %w", errors.Join(errs...))
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	if count > 0 && len(posts) > count {
		posts = posts[:count]
	}

	f.logger.Info("ソース投稿を取得しました",
		slog.Int("accounts", len(f.accounts)),
		slog.Int("failed_accounts", failed),
		slog.Int("skipped_accounts", skipped),
		slog.Int("posts", len(posts)),
	)
	return posts, nil
}

func (f *NitterFetcher) fetchAccount(ctx context.Context, account string) ([]model.CandidatePost, error) {
	feedURL := fmt.Sprintf("%s/%s/rss", f.baseURL, url.PathEscape(account))
	if err := f.guard.ValidateURL(feedURL); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml, */*")

	resp, err := f.guard.NewSafeClient(f.timeout, f.maxBodySize).Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	ownerName := f.sanitizer.Sanitize(feedOwnerName(feed.Title))
	avatar := ""
	if feed.Image != nil {
		avatar = f.rewriteMediaURL(feed.Image.URL)
	}

	posts := make([]model.CandidatePost, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		p, ok := f.convertItem(item)
		if !ok {
			continue
		}
		if strings.EqualFold(p.AuthorHandle, account) {
			p.AuthorName = ownerName
			p.AuthorAvatar = avatar
		}
		if p.AuthorName == "" {
			p.AuthorName = p.AuthorHandle
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// convertItem はRSSの1件を投稿候補に変換する。
// リツイートはリンク先の元投稿として扱う。
func (f *NitterFetcher) convertItem(item *gofeed.Item) (model.CandidatePost, bool) {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	handle, id, ok := parseStatusURL(link)
	if !ok {
		return model.CandidatePost{}, false
	}

	body := item.Description
	if body == "" {
		body = item.Content
	}
	text, media, quote := f.parseBody(body, id)
	if text == "" {
		text = f.sanitizer.Sanitize(strings.TrimPrefix(item.Title, "RT by "))
	}

	post := model.CandidatePost{
		ID:           id,
		AuthorHandle: handle,
		Text:         text,
		Quote:        quote,
		Media:        media,
		URL:          permalink(handle, id),
	}
	if item.PublishedParsed != nil {
		post.CreatedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		post.CreatedAt = item.UpdatedParsed.UTC()
	}
	return post, true
}

// parseBody は本文HTMLからメディアと引用投稿を取り出し、残りをテキストに変換する。
func (f *NitterFetcher) parseBody(fragment, selfID string) (string, []model.Media, *model.QuotedPost) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return f.rewriteLinks(content.FromHTML(fragment)), nil, nil
	}

	var media []model.Media
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			if m, ok := f.mediaFromSrc(src); ok {
				media = append(media, m)
			}
		}
		s.Remove()
	})
	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		poster, _ := s.Attr("poster")
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Find("source").Attr("src")
		}
		media = append(media, model.Media{
			Kind:         model.MediaVideo,
			URL:          f.rewriteMediaURL(src),
			ThumbnailURL: f.rewriteMediaURL(poster),
		})
		s.Remove()
	})

	var quote *model.QuotedPost
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if quote != nil {
			return
		}
		href, _ := s.Attr("href")
		handle, id, ok := parseStatusURL(href)
		if !ok || id == selfID {
			return
		}
		quote = &model.QuotedPost{AuthorHandle: handle, URL: permalink(handle, id)}
		s.Remove()
	})

	html, err := doc.Find("body").Html()
	if err != nil {
		html = fragment
	}
	return f.rewriteLinks(content.FromHTML(html)), media, quote
}

// mediaFromSrc はNitterの画像URLを種別付きのメディアに変換する。
// 動画とGIFはサムネイルしか得られないため、URLはサムネイルと同じにする。
func (f *NitterFetcher) mediaFromSrc(src string) (model.Media, bool) {
	u := f.rewriteMediaURL(src)
	if u == "" {
		return model.Media{}, false
	}
	switch {
	case strings.Contains(u, "tweet_video_thumb"):
		return model.Media{Kind: model.MediaGIF, URL: u, ThumbnailURL: u}, true
	case strings.Contains(u, "video_thumb"):
		return model.Media{Kind: model.MediaVideo, URL: u, ThumbnailURL: u}, true
	case strings.Contains(u, "/profile_images/"), strings.Contains(u, "/emoji/"):
		return model.Media{}, false
	}
	return model.Media{Kind: model.MediaPhoto, URL: u}, true
}

// rewriteMediaURL はNitterの /pic/ プロキシURLを元の画像URLに戻す。
func (f *NitterFetcher) rewriteMediaURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !u.IsAbs() {
		base, err := url.Parse(f.baseURL)
		if err != nil {
			return raw
		}
		u = base.ResolveReference(u)
	}
	rest, ok := strings.CutPrefix(u.EscapedPath(), "/pic/")
	if !ok {
		return u.String()
	}
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return u.String()
	}
	decoded = strings.TrimPrefix(decoded, "orig/")
	decoded = strings.TrimPrefix(decoded, "pbs.twimg.com/")
	if u.RawQuery != "" {
		decoded += "?" + u.RawQuery
	}
	return MediaBase + "/" + decoded
}

// rewriteLinks は本文中のNitterのURLをx.comのURLに置き換える。
func (f *NitterFetcher) rewriteLinks(text string) string {
	if f.baseURL == "" {
		return text
	}
	text = strings.ReplaceAll(text, f.baseURL+"/", PermalinkBase+"/")
	for _, u := range content.ExtractURLs(text) {
		if handle, id, ok := parseStatusURL(u); ok && strings.HasPrefix(u, PermalinkBase) {
			text = strings.ReplaceAll(text, u, permalink(handle, id))
		}
	}
	return text
}

func parseStatusURL(raw string) (handle, id string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	m := statusPath.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func permalink(handle, id string) string {
	return fmt.Sprintf("%s/%s/status/%s", PermalinkBase, handle, id)
}

// feedOwnerName は "Name / @handle" 形式のチャンネル名から表示名を取り出す。
func feedOwnerName(title string) string {
	name, _, found := strings.Cut(title, " / @")
	if !found {
		return ""
	}
	return strings.TrimSpace(name)
}
