package source

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// fetchOutcome はHTTPステータスコードに基づく取得結果の分類。
type fetchOutcome int

const (
	// outcomeOK は取得成功（200）。
	outcomeOK fetchOutcome = iota
	// outcomeStop はアカウントが存在しないか非公開（404/410/401/403）。
	outcomeStop
	// outcomeBackoff は一時的な失敗（429/5xx）。
	outcomeBackoff
	// outcomeUnknown は未知のステータスコード。
	outcomeUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延。停止判定のアカウントにもこの値を使う。
	maxBackoff = time.Hour
)

// StatusError は200以外のHTTPステータスを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// classifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func classifyHTTPStatus(statusCode int) fetchOutcome {
	switch {
	case statusCode == 200:
		return outcomeOK
	case statusCode == 404 || statusCode == 410:
		return outcomeStop
	case statusCode == 401 || statusCode == 403:
		return outcomeStop
	case statusCode == 429:
		return outcomeBackoff
	case statusCode >= 500:
		return outcomeBackoff
	default:
		return outcomeUnknown
	}
}

// calculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func calculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// accountState はアカウントごとの取得失敗の状態。
type accountState struct {
	consecutiveErrors int
	nextAttempt       time.Time
}

// backoffTracker はアカウントごとの連続失敗回数と次回取得可能時刻を保持する。
// Nitterインスタンスへのレート制限違反を繰り返さないために使う。
type backoffTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]*accountState
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{
		now:    time.Now,
		states: make(map[string]*accountState),
	}
}

// ready はアカウントを取得してよいかを返す。falseの場合は再開時刻も返す。
func (b *backoffTracker) ready(account string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[account]
	if !ok || !b.now().Before(st.nextAttempt) {
		return time.Time{}, true
	}
	return st.nextAttempt, false
}

// success は連続失敗回数をリセットする。
func (b *backoffTracker) success(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, account)
}

// failure は失敗を記録し、次回取得までの遅延を返す。
// 404などアカウント自体が取得できない場合は最大遅延を適用する。
func (b *backoffTracker) failure(account string, err error) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[account]
	if !ok {
		st = &accountState{}
		b.states[account] = st
	}
	st.consecutiveErrors++

	delay := calculateBackoff(st.consecutiveErrors - 1)
	var se *StatusError
	if errors.As(err, &se) && classifyHTTPStatus(se.StatusCode) == outcomeStop {
		delay = maxBackoff
	}
	st.nextAttempt = b.now().Add(delay)
	return delay
}
