package pipeline

// EventType は進捗イベントの種別。
type EventType string

const (
	EventStatus     EventType = "status"
	EventStart      EventType = "start"
	EventProcessing EventType = "processing"
	EventProgress   EventType = "progress"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// State は取り込み処理の状態。
type State string

const (
	StateLoadingConfig   State = "loading-config"
	StateCleaningUp      State = "cleaning-up"
	StateFetching        State = "fetching"
	StateFilteringByAge  State = "filtering-by-age"
	StateLoadingCorpus   State = "loading-similarity-corpus"
	StateProcessingItems State = "processing-items"
	StateComplete        State = "complete"
	StateAborted         State = "aborted"
	StateErrored         State = "errored"
)

// ItemStatus は進捗イベントに表示する1件ごとの処理結果。
type ItemStatus string

const (
	ItemApproved     ItemStatus = "approved"
	ItemRejected     ItemStatus = "rejected"
	ItemDuplicate    ItemStatus = "duplicate"
	ItemSimilar      ItemStatus = "similar"
	ItemError        ItemStatus = "error"
	ItemAutoQueued   ItemStatus = "auto-queued"
	ItemBreakingNews ItemStatus = "breaking-news"
	// ItemQueueFailed は承認済みで保存したがキューに入らなかったことを示す。
	ItemQueueFailed ItemStatus = "queue-failed"
)

// Counters は1回の実行の集計。
type Counters struct {
	Processed    int `json:"processed"`
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	Duplicates   int `json:"duplicates"`
	Skipped      int `json:"skipped"`
	Similar      int `json:"similar"`
	AutoQueued   int `json:"autoQueued"`
	BreakingNews int `json:"breakingNews"`
	Errors       int `json:"errors"`
}

// Event は進捗チャネルに流す1フレーム。
// 受信側は未知のフィールドを無視する。
type Event struct {
	Type    EventType `json:"type"`
	State   State     `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`

	Requested int `json:"requested,omitempty"`
	Fetched   int `json:"fetched,omitempty"`
	Total     int `json:"total,omitempty"`
	Current   int `json:"current,omitempty"`
	Percent   int `json:"percent,omitempty"`

	Author           string     `json:"author,omitempty"`
	SourceID         string     `json:"sourceId,omitempty"`
	Status           ItemStatus `json:"status,omitempty"`
	Relevance        *float64   `json:"relevance,omitempty"`
	OriginalPreview  string     `json:"originalPreview,omitempty"`
	ProcessedPreview string     `json:"processedPreview,omitempty"`
	Error            string     `json:"error,omitempty"`

	Counters  *Counters `json:"counters,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// IsTerminal は実行の最後のイベントかを返す。
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// EmitFunc はイベントの送出先。処理順に同期的に呼ばれる。
type EmitFunc func(Event)
