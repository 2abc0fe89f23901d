package model

import "time"

// MediaKind は投稿に添付されたメディアの種別を表す。
type MediaKind string

const (
	// MediaPhoto は静止画。
	MediaPhoto MediaKind = "photo"
	// MediaVideo は動画。
	MediaVideo MediaKind = "video"
	// MediaGIF はアニメーションGIF。
	MediaGIF MediaKind = "gif"
)

// Media は投稿に添付されたメディアの記述子。
// scraped_items.media にJSONとして保存されるためjsonタグを持つ。
type Media struct {
	Kind         MediaKind `json:"kind"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// QuotedPost は引用元の投稿を表す。
type QuotedPost struct {
	AuthorHandle string
	Text         string
	URL          string
}

// CandidatePost はフェッチ直後の未保存の投稿を表す。
// IDはソース上で安定した識別子であり、既出のIDは重複として扱う。
type CandidatePost struct {
	ID           string
	AuthorHandle string
	AuthorName   string
	AuthorAvatar string
	Text         string
	Quote        *QuotedPost
	Media        []Media
	CreatedAt    time.Time
	URL          string
}

// MediaURLs はメディアのURLを添付順に返す。
func MediaURLs(media []Media) []string {
	urls := make([]string, 0, len(media))
	for _, m := range media {
		if m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	return urls
}
