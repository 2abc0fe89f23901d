// Package pipeline は投稿の取り込み処理（取得、分類、重複排除、保存、自動キュー投入）を提供する。
// 1回の実行は候補を1件ずつ順に処理し、進捗をイベントとして送出する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hitoshi/curator/internal/classifier"
	"github.com/hitoshi/curator/internal/content"
	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/settings"
	"github.com/hitoshi/curator/internal/similarity"
)

var (
	// ErrRunInProgress は別の実行が進行中であることを示す。
	ErrRunInProgress = errors.New("ingestion run already in progress")
	// ErrInvalidConfig は設定が不足していて実行を開始できないことを示す。
	ErrInvalidConfig = errors.New("invalid ingestion config")
)

const (
	// DefaultCount は要求件数が未指定の場合の取得件数。
	DefaultCount  = 20
	previewLength = 120
)

// Fetcher は候補投稿を取得する。要求より少ない件数を返してもよい。
type Fetcher interface {
	FetchRecentPosts(ctx context.Context, count int) ([]model.CandidatePost, error)
}

// Classifier は本文を分類する。
type Classifier interface {
	Classify(ctx context.Context, text string, cfg classifier.Config) (*classifier.Result, error)
}

// ItemStore は取り込み処理が使う記事の永続化操作。
type ItemStore interface {
	ExistsBySourceID(ctx context.Context, sourceID string) (bool, error)
	Create(ctx context.Context, item *model.ScrapedItem) (bool, error)
	RecentContent(ctx context.Context, since time.Time) ([]string, error)
}

// Enqueuer は自動承認した記事をキューに入れる。
type Enqueuer interface {
	Enqueue(ctx context.Context, item *model.ScrapedItem, breaking bool) (*model.QueueItem, error)
}

// Cleaner は保持期間を過ぎた記事を削除する。
type Cleaner interface {
	Run(ctx context.Context, retentionDays int) (int64, error)
}

// Sanitizer はモデル出力を無害化する。
type Sanitizer interface {
	Sanitize(text string) string
}

// MetricsRecorder は取り込み処理のメトリクスを記録する。
type MetricsRecorder interface {
	RecordPipelineItem(status string)
	ObservePipelineRun(d time.Duration)
}

// Deps はPipelineの依存。CleanerとMetricsは省略できる。
type Deps struct {
	Fetcher    Fetcher
	Classifier Classifier
	Items      ItemStore
	Queue      Enqueuer
	Cleaner    Cleaner
	Sanitizer  Sanitizer
	Abort      AbortFlag
	Metrics    MetricsRecorder
}

// Config はPipelineの動作設定。
type Config struct {
	DefaultCount int
	MinDelay     time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
}

// Pipeline は取り込み処理を実行する。
// 同時に実行できるのは1つだけで、2つ目の実行はErrRunInProgressで拒否する。
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// New はPipelineを生成する。
func New(deps Deps, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = DefaultCount
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Abort は中断フラグを返す。
func (p *Pipeline) Abort() AbortFlag {
	return p.deps.Abort
}

// run は1回の実行の状態を保持する。
type run struct {
	p        *Pipeline
	emit     EmitFunc
	settings settings.Settings
	counters Counters
	current  int
	total    int
	terminal bool
	corpus   *similarity.Corpus
}

func (r *run) send(e Event) {
	if r.terminal {
		return
	}
	if e.IsTerminal() {
		r.terminal = true
	}
	r.emit(e)
}

func (r *run) state(s State, msg string) {
	r.p.logger.Info("取り込み処理の状態遷移", slog.String("state", string(s)))
	r.send(Event{Type: EventStatus, State: s, Message: msg})
}

func (r *run) fail(err error) error {
	r.p.logger.Error("取り込み処理が失敗しました", slog.String("error", err.Error()))
	c := r.counters
	r.send(Event{Type: EventError, State: StateErrored, Message: err.Error(), Error: err.Error(), Counters: &c})
	return err
}

// Run は取り込み処理を1回実行する。
// requestedが0以下の場合は既定件数を使う。イベントはemitに処理順で渡され、
// 最後のイベントは必ずcompleteかerrorのどちらか1つになる。
// ctxのキャンセルと中断フラグはどちらも中断として扱い、completeで報告する。
func (p *Pipeline) Run(ctx context.Context, requested int, s settings.Settings, emit EmitFunc) (counters Counters, err error) {
	if !p.mu.TryLock() {
		emit(Event{Type: EventError, State: StateErrored, Message: ErrRunInProgress.Error(), Error: ErrRunInProgress.Error()})
		return Counters{}, ErrRunInProgress
	}
	defer p.mu.Unlock()

	// 前回の実行に向けた中断要求は、実行枠を確保してから取り消す。
	if p.deps.Abort != nil {
		if cerr := p.deps.Abort.Clear(context.WithoutCancel(ctx)); cerr != nil {
			p.logger.Warn("中断フラグの解除に失敗しました", slog.String("error", cerr.Error()))
		}
	}

	start := p.now()
	r := &run{p: p, emit: emit, settings: s}
	defer func() {
		if rec := recover(); rec != nil {
			err = r.fail(fmt.Errorf("panic: %v", rec))
		}
		if !r.terminal {
			err = r.fail(errors.New("取り込み処理が終了イベントなしで終了しました"))
		}
		counters = r.counters
		if p.deps.Metrics != nil {
			p.deps.Metrics.ObservePipelineRun(time.Since(start))
		}
	}()

	if requested <= 0 {
		requested = p.cfg.DefaultCount
	}

	r.state(StateLoadingConfig, "")
	if verr := s.Validate(); verr != nil {
		return r.counters, r.fail(fmt.Errorf("%w: %v", ErrInvalidConfig, verr))
	}

	r.state(StateCleaningUp, "")
	if p.deps.Cleaner != nil {
		if _, cerr := p.deps.Cleaner.Run(context.WithoutCancel(ctx), s.RetentionDays); cerr != nil {
			p.logger.Warn("保持期間を過ぎた記事の削除に失敗しました", slog.String("error", cerr.Error()))
		}
	}

	r.state(StateFetching, "")
	posts, ferr := p.deps.Fetcher.FetchRecentPosts(ctx, requested)
	if ferr != nil {
		if r.cancelled(ctx) {
			r.complete(ctx, true)
			return r.counters, nil
		}
		return r.counters, r.fail(fmt.Errorf("投稿の取得に失敗しました: %w", ferr))
	}
	if len(posts) < requested {
		r.send(Event{Type: EventStatus, State: StateFetching,
			Message: fmt.Sprintf("%d件を要求し、%d件を取得しました", requested, len(posts))})
	}

	r.state(StateFilteringByAge, "")
	candidates := r.filterByAge(posts)

	if s.SimilarityCheckEnabled {
		r.state(StateLoadingCorpus, "")
		r.corpus = r.loadCorpus(ctx)
	}

	r.total = len(candidates)
	r.send(Event{Type: EventStart, Requested: requested, Fetched: len(posts), Total: r.total})
	r.state(StateProcessingItems, "")

	cancelled := false
	for i, post := range candidates {
		if i > 0 && r.wait(ctx) {
			cancelled = true
			break
		}
		if r.cancelled(ctx) {
			cancelled = true
			break
		}
		r.current = i + 1
		r.send(Event{Type: EventProcessing, Current: r.current, Total: r.total, Author: post.AuthorHandle, SourceID: post.ID})
		r.send(r.handle(ctx, post))
	}

	r.complete(ctx, cancelled)
	return r.counters, nil
}

func (r *run) complete(ctx context.Context, cancelled bool) {
	c := r.counters
	e := Event{Type: EventComplete, State: StateComplete, Current: r.current, Total: r.total, Counters: &c, Cancelled: cancelled}
	switch {
	case cancelled && errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.State = StateAborted
		e.Message = "制限時間を超えたため取り込みを終了しました"
	case cancelled:
		e.State = StateAborted
		e.Message = "取り込みを中断しました"
	default:
		e.Message = fmt.Sprintf("取り込みが完了しました: %d件処理、%d件承認、%d件却下", c.Processed, c.Approved, c.Rejected)
	}
	r.p.logger.Info("取り込み処理が終了しました",
		slog.Bool("cancelled", cancelled),
		slog.Int("current", r.current),
		slog.Int("total", r.total),
		slog.Int("processed", c.Processed),
		slog.Int("duplicates", c.Duplicates),
		slog.Int("errors", c.Errors),
	)
	r.send(e)
}

func (r *run) filterByAge(posts []model.CandidatePost) []model.CandidatePost {
	if r.settings.MaxAgeDays <= 0 {
		return posts
	}
	cutoff := r.p.now().Add(-time.Duration(r.settings.MaxAgeDays) * 24 * time.Hour)
	kept := make([]model.CandidatePost, 0, len(posts))
	for _, post := range posts {
		if post.CreatedAt.Before(cutoff) {
			r.counters.Skipped++
			continue
		}
		kept = append(kept, post)
	}
	if dropped := len(posts) - len(kept); dropped > 0 {
		r.p.logger.Info("古い投稿を除外しました",
			slog.Int("skipped", dropped),
			slog.Int("max_age_days", r.settings.MaxAgeDays),
		)
	}
	return kept
}

func (r *run) loadCorpus(ctx context.Context) *similarity.Corpus {
	since := r.p.now().Add(-time.Duration(r.settings.SimilarityLookbackDays) * 24 * time.Hour)
	texts, err := r.p.deps.Items.RecentContent(context.WithoutCancel(ctx), since)
	if err != nil {
		r.p.logger.Warn("類似判定用の本文の読み込みに失敗しました", slog.String("error", err.Error()))
	}
	return similarity.NewCorpus(texts)
}

// cancelled はctxのキャンセルか中断フラグを検出した場合にtrueを返す。
func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.abortRequested(ctx)
}

func (r *run) abortRequested(ctx context.Context) bool {
	if r.p.deps.Abort == nil {
		return false
	}
	set, err := r.p.deps.Abort.IsSet(context.WithoutCancel(ctx))
	if err != nil {
		r.p.logger.Warn("中断フラグの取得に失敗しました", slog.String("error", err.Error()))
		return false
	}
	return set
}

// wait は候補間の待機を行う。待機中に中断を検出した場合はtrueを返す。
func (r *run) wait(ctx context.Context) bool {
	d := r.p.cfg.MinDelay
	if spread := r.p.cfg.MaxDelay - r.p.cfg.MinDelay; spread > 0 {
		d += rand.N(spread)
	}
	if d <= 0 {
		return r.cancelled(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(r.p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
			return r.cancelled(ctx)
		case <-ticker.C:
			if r.abortRequested(ctx) {
				return true
			}
		}
	}
}

// handle は候補1件を処理し、進捗イベントを返す。
// 失敗やpanicはエラーとして数え、実行は続ける。
func (r *run) handle(ctx context.Context, post model.CandidatePost) (e Event) {
	e = Event{
		Type:            EventProgress,
		Current:         r.current,
		Total:           r.total,
		Author:          post.AuthorHandle,
		SourceID:        post.ID,
		OriginalPreview: content.Preview(post.Text, previewLength),
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.itemError(&e, post, fmt.Errorf("panic: %v", rec))
		}
		if r.total > 0 {
			e.Percent = r.current * 100 / r.total
		}
		c := r.counters
		e.Counters = &c
		if r.p.deps.Metrics != nil {
			r.p.deps.Metrics.RecordPipelineItem(string(e.Status))
		}
	}()

	if err := r.process(ctx, post, &e); err != nil {
		r.itemError(&e, post, err)
	}
	return e
}

func (r *run) itemError(e *Event, post model.CandidatePost, err error) {
	r.counters.Errors++
	e.Status = ItemError
	e.Error = err.Error()
	r.p.logger.Error("投稿の処理に失敗しました",
		slog.String("author", post.AuthorHandle),
		slog.String("source_id", post.ID),
		slog.String("error", err.Error()),
	)
}

// process は重複確認、分類、後処理、類似判定、保存、キュー投入を順に行う。
// 開始した処理は呼び出し元のキャンセルに関係なく最後まで行う。
func (r *run) process(ctx context.Context, post model.CandidatePost, e *Event) error {
	ctx = context.WithoutCancel(ctx)
	deps := r.p.deps

	exists, err := deps.Items.ExistsBySourceID(ctx, post.ID)
	if err != nil {
		return fmt.Errorf("重複確認に失敗しました: %w", err)
	}
	if exists {
		r.counters.Duplicates++
		e.Status = ItemDuplicate
		return nil
	}

	text := content.ComposeForClassification(post)
	res, err := deps.Classifier.Classify(ctx, text, classifier.ConfigFromSettings(r.settings))
	if err != nil {
		return err
	}
	rel := res.Relevance
	e.Relevance = &rel

	processed := content.Finalize(deps.Sanitizer.Sanitize(res.Paraphrase), sourceURLs(post, text), model.MaxContentLength)
	e.ProcessedPreview = content.Preview(processed, previewLength)
	r.counters.Processed++

	rejected := res.ShouldReject
	if !rejected && r.corpus != nil {
		if r.corpus.IsSimilar(processed) {
			r.counters.Similar++
			e.Status = ItemSimilar
			return nil
		}
	}

	s := r.settings
	autoQueue := !rejected &&
		((s.AutoPublishEnabled && rel >= s.AutoPublishMinScore) ||
			(s.AutoApproveEnabled && rel >= s.MinRelevanceScore))

	item := &model.ScrapedItem{
		SourceID:         post.ID,
		AuthorHandle:     post.AuthorHandle,
		AuthorName:       post.AuthorName,
		AuthorAvatar:     post.AuthorAvatar,
		OriginalText:     post.Text,
		SourceURL:        post.URL,
		Media:            post.Media,
		ProcessedContent: processed,
		RelevanceScore:   rel,
		IsBreakingNews:   res.IsBreakingNews,
		ModelUsed:        res.ModelUsed,
		Status:           model.StatusPending,
	}
	if q := post.Quote; q != nil {
		item.QuoteAuthor, item.QuoteText, item.QuoteURL = q.AuthorHandle, q.Text, q.URL
	}
	if !post.CreatedAt.IsZero() {
		postedAt := post.CreatedAt
		item.PostedAt = &postedAt
	}
	switch {
	case rejected:
		item.Status = model.StatusRejected
		item.RejectionReason = res.RejectionReason
	case autoQueue:
		item.Status = model.StatusApproved
		item.ApprovalReason = "auto-queued"
	}

	created, err := deps.Items.Create(ctx, item)
	if err != nil {
		return fmt.Errorf("記事の保存に失敗しました: %w", err)
	}
	if !created {
		r.counters.Duplicates++
		e.Status = ItemDuplicate
		return nil
	}
	if !rejected && r.corpus != nil {
		r.corpus.Add(processed)
	}

	switch {
	case rejected:
		r.counters.Rejected++
		e.Status = ItemRejected
	case autoQueue:
		r.counters.Approved++
		if res.IsBreakingNews {
			r.counters.BreakingNews++
		}
		if _, qerr := deps.Queue.Enqueue(ctx, item, res.IsBreakingNews); qerr != nil {
			r.p.logger.Warn("自動キュー投入に失敗しました",
				slog.String("item_id", item.ID),
				slog.String("author", post.AuthorHandle),
				slog.String("error", qerr.Error()),
			)
			e.Status = ItemQueueFailed
			e.Error = fmt.Sprintf("承認済みとして保存しましたがキュー投入に失敗しました: %v", qerr)
			return nil
		}
		r.counters.AutoQueued++
		e.Status = ItemAutoQueued
		if res.IsBreakingNews {
			e.Status = ItemBreakingNews
		}
	default:
		r.counters.Approved++
		e.Status = ItemApproved
	}
	return nil
}

// sourceURLs は本文と引用に含まれるURLを優先順に返す。
func sourceURLs(post model.CandidatePost, composed string) []string {
	urls := content.ExtractURLs(composed)
	if post.Quote == nil || post.Quote.URL == "" {
		return urls
	}
	for _, u := range urls {
		if u == post.Quote.URL {
			return urls
		}
	}
	return append(urls, post.Quote.URL)
}
