package model

import "time"

// MaxContentLength は投稿本文の最大文字数（rune数）。
const MaxContentLength = 280

// ItemStatus はキュレーション対象記事のステータスを表す。
type ItemStatus string

const (
	// StatusPending は人による判断待ち。
	StatusPending ItemStatus = "pending"
	// StatusApproved は承認済み（キュー投入対象）。
	StatusApproved ItemStatus = "approved"
	// StatusRejected は却下済み。
	StatusRejected ItemStatus = "rejected"
	// StatusPublished は投稿済み。終端状態。
	StatusPublished ItemStatus = "published"
)

// Valid は既知のステータスかを返す。
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusPublished:
		return true
	}
	return false
}

// allowedTransitions はステータス遷移の許可表。
// rejected→approved は人による再承認のみで使われる。
var allowedTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusRejected, StatusPublished},
	StatusRejected: {StatusApproved},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to ItemStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScrapedItem は永続化されたキュレーション対象記事。
type ScrapedItem struct {
	ID           string
	SourceID     string
	AuthorHandle string
	AuthorName   string
	AuthorAvatar string
	OriginalText string
	SourceURL    string
	Media        []Media

	QuoteAuthor string
	QuoteText   string
	QuoteURL    string

	ProcessedContent string // 280文字以内、URL保持済み
	RelevanceScore   float64
	RejectionReason  string
	ApprovalReason   string
	IsBreakingNews   bool
	ModelUsed        string
	Status           ItemStatus

	PostedAt        *time.Time
	PublishedAt     *time.Time
	PublishedPostID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemListFilter は記事一覧の取得条件。
type ItemListFilter struct {
	Status ItemStatus // 空の場合は published 以外すべて
	Limit  int
	Offset int
}
