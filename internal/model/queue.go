package model

import "time"

// QueueItem は投稿キュー内の1エントリ。
// Positionは0始まりで密に並ぶ。
type QueueItem struct {
	ID          string
	ItemID      string
	CustomText  string
	Position    int
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueEntry はキューエントリと対象記事を結合したもの。
type QueueEntry struct {
	QueueItem
	Item ScrapedItem
}

// PublishText は投稿に使う本文を返す。
// 編集済みテキストがあればそれを、なければ加工済み本文を使う。
func (e *QueueEntry) PublishText() string {
	if e.CustomText != "" {
		return e.CustomText
	}
	return e.Item.ProcessedContent
}

// IsDue は予約日時を過ぎている（または未予約）かを返す。
func (e *QueueEntry) IsDue(now time.Time) bool {
	return e.ScheduledAt == nil || !e.ScheduledAt.After(now)
}
