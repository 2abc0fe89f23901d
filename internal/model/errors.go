// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, curation, queue, scrape, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeItemNotFound            = "ITEM_NOT_FOUND"
	ErrCodeQueueItemNotFound       = "QUEUE_ITEM_NOT_FOUND"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeInvalidStatus           = "INVALID_STATUS"
	ErrCodeItemPublished           = "ITEM_ALREADY_PUBLISHED"
	ErrCodeContentTooLong          = "CONTENT_TOO_LONG"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeInvalidQueueOrder       = "INVALID_QUEUE_ORDER"
	ErrCodeReasonRequired          = "REASON_REQUIRED"
	ErrCodeRunInProgress           = "RUN_IN_PROGRESS"
	ErrCodeInvalidSettings         = "INVALID_SETTINGS"
	ErrCodePublishFailed           = "PUBLISH_FAILED"
	ErrCodePublisherDisabled       = "PUBLISHER_DISABLED"
)

// NewItemNotFoundError は記事未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", itemID),
		Category: "curation",
		Action:   "記事IDを確認してください。",
	}
}

// NewQueueItemNotFoundError はキューエントリ未検出エラーを生成する。
func NewQueueItemNotFoundError(queueID string) *APIError {
	return &APIError{
		Code:     ErrCodeQueueItemNotFound,
		Message:  fmt.Sprintf("指定されたキューエントリが見つかりません: %s", queueID),
		Category: "queue",
		Action:   "キューを再読み込みしてください。",
	}
}

// NewInvalidStatusTransitionError は許可されていないステータス遷移のエラーを生成する。
func NewInvalidStatusTransitionError(from, to ItemStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusTransition,
		Message:  fmt.Sprintf("ステータスを %s から %s に変更できません。", from, to),
		Category: "curation",
		Action:   "記事の現在のステータスを確認してください。",
	}
}

// NewInvalidStatusError は無効なステータス指定のエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "ステータスには pending、approved、rejected のいずれかを指定してください。",
	}
}

// NewItemPublishedError は公開済み記事を変更しようとした場合のエラーを生成する。
func NewItemPublishedError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemPublished,
		Message:  fmt.Sprintf("公開済みの記事は変更できません: %s", itemID),
		Category: "curation",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewContentTooLongError は本文が上限を超えた場合のエラーを生成する。
func NewContentTooLongError(length int) *APIError {
	return &APIError{
		Code:     ErrCodeContentTooLong,
		Message:  fmt.Sprintf("本文が長すぎます: %d文字（上限%d文字）", length, MaxContentLength),
		Category: "validation",
		Action:   fmt.Sprintf("本文を%d文字以内に短くしてください。", MaxContentLength),
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidQueueOrderError は並び替え指定が現在のキューと一致しない場合のエラーを生成する。
func NewInvalidQueueOrderError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQueueOrder,
		Message:  "指定された並び順が現在のキューと一致しません。",
		Category: "queue",
		Action:   "キューを再読み込みしてから並び替えてください。",
	}
}

// NewReasonRequiredError は却下済み記事の再承認で理由が未指定の場合のエラーを生成する。
func NewReasonRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeReasonRequired,
		Message:  "却下済みの記事を承認するには理由が必要です。",
		Category: "curation",
		Action:   "承認理由を入力してください。",
	}
}

// NewRunInProgressError は取り込み処理が既に実行中の場合のエラーを生成する。
func NewRunInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeRunInProgress,
		Message:  "取り込み処理は既に実行中です。",
		Category: "scrape",
		Action:   "実行中の処理が完了するか中断するまでお待ちください。",
	}
}

// NewInvalidSettingsError は設定値が不正な場合のエラーを生成する。
func NewInvalidSettingsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSettings,
		Message:  fmt.Sprintf("設定が不正です: %s", reason),
		Category: "validation",
		Action:   "設定値を確認してください。",
	}
}

// NewPublishFailedError は投稿失敗エラーを生成する。
func NewPublishFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePublishFailed,
		Message:  fmt.Sprintf("投稿に失敗しました: %s", reason),
		Category: "queue",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewPublisherDisabledError は投稿先が未設定の場合のエラーを生成する。
func NewPublisherDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodePublisherDisabled,
		Message:  "投稿先のアカウントが設定されていません。",
		Category: "system",
		Action:   "X_ACCESS_TOKEN を設定してください。",
	}
}
