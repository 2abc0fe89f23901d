package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/curator/internal/classifier"
	"github.com/hitoshi/curator/internal/llm"
	"github.com/hitoshi/curator/internal/model"
	"github.com/hitoshi/curator/internal/settings"
)

// --- モック ---

type fakeFetcher struct {
	posts   []model.CandidatePost
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchRecentPosts(ctx context.Context, count int) ([]model.CandidatePost, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	posts := f.posts
	if len(posts) > count {
		posts = posts[:count]
	}
	return posts, nil
}

type fakeClassifier struct {
	calls int
	fn    func(text string) (*classifier.Result, error)
}

func (c *fakeClassifier) Classify(_ context.Context, text string, _ classifier.Config) (*classifier.Result, error) {
	c.calls++
	if c.fn != nil {
		return c.fn(text)
	}
	return &classifier.Result{Relevance: 7, Paraphrase: "resumen: " + text, ModelUsed: "llama-3.3-70b-versatile"}, nil
}

type memStore struct {
	items     map[string]*model.ScrapedItem
	recent    []string
	createErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*model.ScrapedItem)}
}

func (s *memStore) ExistsBySourceID(_ context.Context, sourceID string) (bool, error) {
	_, ok := s.items[sourceID]
	return ok, nil
}

func (s *memStore) Create(_ context.Context, it *model.ScrapedItem) (bool, error) {
	if err := s.createErr[it.SourceID]; err != nil {
		return false, err
	}
	if _, ok := s.items[it.SourceID]; ok {
		return false, nil
	}
	it.ID = "item-" + it.SourceID
	s.items[it.SourceID] = it
	return true, nil
}

func (s *memStore) RecentContent(_ context.Context, _ time.Time) ([]string, error) {
	return s.recent, nil
}

type fakeQueue struct {
	order []string
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, it *model.ScrapedItem, breaking bool) (*model.QueueItem, error) {
	if q.err != nil {
		return nil, q.err
	}
	if breaking {
		q.order = append([]string{it.SourceID}, q.order...)
	} else {
		q.order = append(q.order, it.SourceID)
	}
	return &model.QueueItem{ItemID: it.ID}, nil
}

type fakeCleaner struct {
	days int
	err  error
}

func (c *fakeCleaner) Run(_ context.Context, days int) (int64, error) {
	c.days = days
	return 0, c.err
}

type passSanitizer struct{}

func (passSanitizer) Sanitize(s string) string { return strings.TrimSpace(s) }

type recorder struct {
	events []Event
	onEmit func(Event)
}

func (r *recorder) emit(e Event) {
	r.events = append(r.events, e)
	if r.onEmit != nil {
		r.onEmit(e)
	}
}

func (r *recorder) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) last() Event {
	return r.events[len(r.events)-1]
}

type harness struct {
	p          *Pipeline
	fetcher    *fakeFetcher
	classifier *fakeClassifier
	store      *memStore
	queue      *fakeQueue
	cleaner    *fakeCleaner
	abort      *MemoryAbortFlag
	logs       *bytes.Buffer
}

func newHarness(t *testing.T, posts ...model.CandidatePost) *harness {
	t.Helper()
	h := &harness{
		fetcher:    &fakeFetcher{posts: posts},
		classifier: &fakeClassifier{},
		store:      newMemStore(),
		queue:      &fakeQueue{},
		cleaner:    &fakeCleaner{},
		abort:      NewMemoryAbortFlag(),
		logs:       &bytes.Buffer{},
	}
	h.p = New(Deps{
		Fetcher:    h.fetcher,
		Classifier: h.classifier,
		Items:      h.store,
		Queue:      h.queue,
		Cleaner:    h.cleaner,
		Sanitizer:  passSanitizer{},
		Abort:      h.abort,
	}, Config{}, slog.New(slog.NewJSONHandler(h.logs, nil)))
	return h
}

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	s, err := settings.Defaults()
	if err != nil {
		t.Fatalf("Defaults() error = %v", err)
	}
	s.SimilarityCheckEnabled = false
	return s
}

func post(id, text string) model.CandidatePost {
	return model.CandidatePost{
		ID:           id,
		AuthorHandle: "golang",
		Text:         text,
		CreatedAt:    time.Now().Add(-time.Hour),
		URL:          "https://x.com/golang/status/" + id,
	}
}

func posts(n int) []model.CandidatePost {
	out := make([]model.CandidatePost, n)
	for i := range out {
		out[i] = post(fmt.Sprintf("%d", i+1), fmt.Sprintf("story number %d about topic %d", i+1, i+1))
	}
	return out
}

func assertSingleTerminalLast(t *testing.T, rec *recorder) {
	t.Helper()
	n := 0
	for _, e := range rec.events {
		if e.IsTerminal() {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", n)
	}
	if !rec.last().IsTerminal() {
		t.Fatalf("last event = %s, want terminal", rec.last().Type)
	}
}

// --- テスト ---

func TestRun_ProcessesAllCandidates(t *testing.T) {
	h := newHarness(t, posts(3)...)
	rec := &recorder{}

	counters, err := h.p.Run(context.Background(), 3, testSettings(t), rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertSingleTerminalLast(t, rec)

	if counters.Processed != 3 || counters.Approved != 3 {
		t.Errorf("counters = %+v, want 3 processed and approved", counters)
	}
	if len(h.store.items) != 3 {
		t.Errorf("stored = %d, want 3", len(h.store.items))
	}
	for _, it := range h.store.items {
		if it.Status != model.StatusPending {
			t.Errorf("item %s status = %s, want pending", it.SourceID, it.Status)
		}
	}

	start := rec.ofType(EventStart)
	if len(start) != 1 || start[0].Total != 3 {
		t.Errorf("start events = %+v", start)
	}
	progress := rec.ofType(EventProgress)
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	for i, e := range progress {
		if e.Current != i+1 {
			t.Errorf("progress[%d].Current = %d, want %d", i, e.Current, i+1)
		}
		if e.Counters == nil || e.Status != ItemApproved {
			t.Errorf("progress[%d] = %+v", i, e)
		}
	}
	if progress[2].Percent != 100 {
		t.Errorf("final percent = %d, want 100", progress[2].Percent)
	}

	done := rec.last()
	if done.Type != EventComplete || done.Cancelled || done.Counters.Processed != 3 {
		t.Errorf("complete = %+v", done)
	}
	if h.cleaner.days != testSettings(t).RetentionDays {
		t.Errorf("cleanup retention = %d", h.cleaner.days)
	}
}

func TestRun_StateOrder(t *testing.T) {
	h := newHarness(t, posts(1)...)
	s := testSettings(t)
	s.SimilarityCheckEnabled = true
	rec := &recorder{}

	if _, err := h.p.Run(context.Background(), 1, s, rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var states []string
	for _, e := range rec.ofType(EventStatus) {
		states = append(states, string(e.State))
	}
	want := "loading-config,cleaning-up,fetching,filtering-by-age,loading-similarity-corpus,processing-items"
	if got := strings.Join(states, ","); got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
}

func TestRun_DuplicatesNeverClassified(t *testing.T) {
	h := newHarness(t, posts(3)...)
	h.store.items["2"] = &model.ScrapedItem{SourceID: "2"}
	rec := &recorder{}

	counters, err := h.p.Run(context.Background(), 3, testSettings(t), rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.classifier.calls != 2 {
		t.Errorf("classifier calls = %d, want 2", h.classifier.calls)
	}
	if counters.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", counters.Duplicates)
	}
	if got := rec.ofType(EventProgress)[1].Status; got != ItemDuplicate {
		t.Errorf("progress[1].Status = %s, want duplicate", got)
	}
}

func TestRun_SecondRunIsAllDuplicates(t *testing.T) {
	h := newHarness(t, posts(4)...)
	s := testSettings(t)

	if _, err := h.p.Run(context.Background(), 4, s, (&recorder{}).emit); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	stored := len(h.store.items)
	calls := h.classifier.calls

	counters, err := h.p.Run(context.Background(), 4, s, (&recorder{}).emit)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if counters.Duplicates != 4 {
		t.Errorf("Duplicates = %d, want 4", counters.Duplicates)
	}
	if len(h.store.items) != stored || h.classifier.calls != calls {
		t.Errorf("second run stored %d new items and made %d calls",
			len(h.store.items)-stored, h.classifier.calls-calls)
	}
}

func TestRun_RejectedPatternWithRealClassifier(t *testing.T) {
	var calls int
	client := llmClientFunc(func(context.Context, llm.Request) (string, error) {
		calls++
		return `{"relevance": 9, "paraphrase": "ok"}`, nil
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	registry := llm.NewRegistry(llm.NewMemoryCooldownStore(), logger)
	cls := classifier.NewClassifier(llm.ClientSet{llm.ProviderGroq: client}, registry, logger)

	h := newHarness(t, post("1", "Huge GIVEAWAY, retweet to win"))
	h.p.deps.Classifier = cls

	counters, err := h.p.Run(context.Background(), 1, testSettings(t), (&recorder{}).emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("model calls = %d, want 0", calls)
	}
	if counters.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", counters.Rejected)
	}
	it := h.store.items["1"]
	if it.RelevanceScore != 0 || it.Status != model.StatusRejected || !strings.HasPrefix(it.RejectionReason, "matched pattern:") {
		t.Errorf("item = %+v", it)
	}
}

type llmClientFunc func(context.Context, llm.Request) (string, error)

func (f llmClientFunc) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

func TestRun_BreakingNewsGoesToFront(t *testing.T) {
	h := newHarness(t, posts(3)...)
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		return &classifier.Result{
			Relevance:      9.5,
			Paraphrase:     text,
			IsBreakingNews: strings.Contains(text, "number 3"),
		}, nil
	}
	s := testSettings(t)
	s.AutoPublishEnabled = true
	s.AutoPublishMinScore = 9
	rec := &recorder{}

	counters, err := h.p.Run(context.Background(), 3, s, rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(h.queue.order, ","); got != "3,1,2" {
		t.Errorf("queue = %s, want 3,1,2", got)
	}
	if counters.AutoQueued != 3 || counters.BreakingNews != 1 {
		t.Errorf("counters = %+v", counters)
	}
	if got := rec.ofType(EventProgress)[2].Status; got != ItemBreakingNews {
		t.Errorf("progress[2].Status = %s, want breaking-news", got)
	}
	if h.store.items["1"].Status != model.StatusApproved {
		t.Errorf("auto-queued status = %s, want approved", h.store.items["1"].Status)
	}
}

func TestRun_AutoApproveUsesMinRelevance(t *testing.T) {
	h := newHarness(t, posts(2)...)
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		rel := 6.0
		if strings.Contains(text, "number 2") {
			rel = 5
		}
		return &classifier.Result{Relevance: rel, Paraphrase: text, ShouldReject: rel < 6}, nil
	}
	s := testSettings(t)
	s.AutoApproveEnabled = true

	counters, _ := h.p.Run(context.Background(), 2, s, (&recorder{}).emit)
	if counters.AutoQueued != 1 || counters.Rejected != 1 {
		t.Errorf("counters = %+v", counters)
	}
	if len(h.queue.order) != 1 || h.queue.order[0] != "1" {
		t.Errorf("queue = %v, want [1]", h.queue.order)
	}
}

func TestRun_AbortAfterSecondProgress(t *testing.T) {
	h := newHarness(t, posts(6)...)
	rec := &recorder{}
	progress := 0
	rec.onEmit = func(e Event) {
		if e.Type == EventProgress {
			progress++
			if progress == 2 {
				_ = h.abort.Set(context.Background())
			}
		}
	}

	counters, err := h.p.Run(context.Background(), 6, testSettings(t), rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertSingleTerminalLast(t, rec)

	done := rec.last()
	if done.Type != EventComplete || !done.Cancelled {
		t.Fatalf("terminal = %+v, want cancelled complete", done)
	}
	if done.Current > 3 {
		t.Errorf("Current = %d, want <= 3", done.Current)
	}
	if !strings.Contains(done.Message, "中断") {
		t.Errorf("Message = %q, want cancellation message", done.Message)
	}
	if counters.Processed != 2 {
		t.Errorf("Processed = %d, want 2", counters.Processed)
	}
}

func TestRun_AbortDuringDelay(t *testing.T) {
	h := newHarness(t, posts(3)...)
	h.p.cfg.MinDelay = time.Minute
	h.p.cfg.MaxDelay = time.Minute
	h.p.cfg.PollInterval = 10 * time.Millisecond
	rec := &recorder{}
	rec.onEmit = func(e Event) {
		if e.Type == EventProgress {
			_ = h.abort.Set(context.Background())
		}
	}

	start := time.Now()
	if _, err := h.p.Run(context.Background(), 3, testSettings(t), rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("abort took %v, want sub-second polling", elapsed)
	}
	if done := rec.last(); !done.Cancelled || done.Current != 1 {
		t.Errorf("complete = %+v", done)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, posts(3)...)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	rec.onEmit = func(e Event) {
		if e.Type == EventProgress {
			cancel()
		}
	}

	if _, err := h.p.Run(ctx, 3, testSettings(t), rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertSingleTerminalLast(t, rec)
	if done := rec.last(); done.Type != EventComplete || !done.Cancelled || done.Current != 1 {
		t.Errorf("complete = %+v", done)
	}
	if len(rec.ofType(EventProgress)) != 1 {
		t.Errorf("progress events = %d, want 1", len(rec.ofType(EventProgress)))
	}
}

func TestRun_DeadlineReportedAsTimeout(t *testing.T) {
	h := newHarness(t, posts(2)...)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	rec := &recorder{}

	if _, err := h.p.Run(ctx, 2, testSettings(t), rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	done := rec.last()
	if done.Type != EventComplete || !done.Cancelled || !strings.Contains(done.Message, "制限時間") {
		t.Errorf("complete = %+v", done)
	}
	if h.classifier.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.classifier.calls)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	h := newHarness(t, posts(1)...)
	s := testSettings(t)
	s.PromptTemplate = "no placeholder"
	rec := &recorder{}

	_, err := h.p.Run(context.Background(), 1, s, rec.emit)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run() error = %v, want ErrInvalidConfig", err)
	}
	assertSingleTerminalLast(t, rec)
	if rec.last().Type != EventError {
		t.Errorf("terminal = %s, want error", rec.last().Type)
	}
	if h.classifier.calls != 0 || h.cleaner.days != 0 {
		t.Error("nothing should run after invalid config")
	}
}

func TestRun_FetchError(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("nitter unavailable")
	rec := &recorder{}

	_, err := h.p.Run(context.Background(), 5, testSettings(t), rec.emit)
	if err == nil || !strings.Contains(err.Error(), "nitter unavailable") {
		t.Fatalf("Run() error = %v", err)
	}
	assertSingleTerminalLast(t, rec)
	if e := rec.last(); e.Type != EventError || !strings.Contains(e.Message, "nitter unavailable") {
		t.Errorf("terminal = %+v", e)
	}
}

func TestRun_CleanupFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, posts(1)...)
	h.cleaner.err = errors.New("db timeout")

	counters, err := h.p.Run(context.Background(), 1, testSettings(t), (&recorder{}).emit)
	if err != nil || counters.Processed != 1 {
		t.Fatalf("Run() = %+v, %v", counters, err)
	}
	if !strings.Contains(h.logs.String(), "db timeout") {
		t.Errorf("expected cleanup failure log, got %s", h.logs.String())
	}
}

func TestRun_ReportsShortfall(t *testing.T) {
	h := newHarness(t, posts(2)...)
	rec := &recorder{}

	if _, err := h.p.Run(context.Background(), 10, testSettings(t), rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	found := false
	for _, e := range rec.ofType(EventStatus) {
		if strings.Contains(e.Message, "10件を要求し、2件を取得しました") {
			found = true
		}
	}
	if !found {
		t.Error("expected shortfall status event")
	}
	if start := rec.ofType(EventStart)[0]; start.Requested != 10 || start.Fetched != 2 {
		t.Errorf("start = %+v", start)
	}
}

func TestRun_DefaultCount(t *testing.T) {
	h := newHarness(t, posts(25)...)
	rec := &recorder{}

	if _, err := h.p.Run(context.Background(), 0, testSettings(t), rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if start := rec.ofType(EventStart)[0]; start.Requested != DefaultCount || start.Total != DefaultCount {
		t.Errorf("start = %+v, want %d", start, DefaultCount)
	}
}

func TestRun_FiltersByAge(t *testing.T) {
	old := post("old", "old story")
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	h := newHarness(t, old, post("new", "fresh story"))
	s := testSettings(t)
	s.MaxAgeDays = 2

	counters, _ := h.p.Run(context.Background(), 2, s, (&recorder{}).emit)
	if counters.Skipped != 1 || counters.Processed != 1 {
		t.Errorf("counters = %+v, want 1 skipped and 1 processed", counters)
	}
	if _, ok := h.store.items["old"]; ok {
		t.Error("old post must not be stored")
	}
}

func TestRun_ItemErrorsDoNotAbort(t *testing.T) {
	h := newHarness(t, posts(3)...)
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		switch {
		case strings.Contains(text, "number 1"):
			return nil, classifier.ErrAllModelsFailed
		case strings.Contains(text, "number 2"):
			panic("boom")
		}
		return &classifier.Result{Relevance: 8, Paraphrase: text}, nil
	}
	rec := &recorder{}

	counters, err := h.p.Run(context.Background(), 3, testSettings(t), rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if counters.Errors != 2 || counters.Processed != 1 {
		t.Errorf("counters = %+v, want 2 errors and 1 processed", counters)
	}
	progress := rec.ofType(EventProgress)
	if progress[0].Status != ItemError || progress[1].Status != ItemError || progress[1].Error != "panic: boom" {
		t.Errorf("progress = %+v", progress)
	}
	if !strings.Contains(h.logs.String(), `"author":"golang"`) {
		t.Errorf("expected author context in error log, got %s", h.logs.String())
	}
}

func TestRun_SimilarWithinRun(t *testing.T) {
	a := post("1", "Go 1.26 released with generic type aliases and faster garbage collection")
	b := post("2", "Go 1.26 released with generic type aliases and faster garbage collection!")
	h := newHarness(t, a, b)
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		return &classifier.Result{Relevance: 8, Paraphrase: text}, nil
	}
	s := testSettings(t)
	s.SimilarityCheckEnabled = true

	counters, _ := h.p.Run(context.Background(), 2, s, (&recorder{}).emit)
	if counters.Similar != 1 {
		t.Errorf("Similar = %d, want 1", counters.Similar)
	}
	if _, ok := h.store.items["2"]; ok {
		t.Error("similar item must not be stored")
	}
}

func TestRun_SimilarToHistory(t *testing.T) {
	h := newHarness(t, post("1", "Kubernetes 1.40 ships sidecar containers by default in every cluster"))
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		return &classifier.Result{Relevance: 8, Paraphrase: text}, nil
	}
	h.store.recent = []string{"Kubernetes 1.40 ships sidecar containers by default in every cluster"}
	s := testSettings(t)
	s.SimilarityCheckEnabled = true

	counters, _ := h.p.Run(context.Background(), 1, s, (&recorder{}).emit)
	if counters.Similar != 1 {
		t.Errorf("Similar = %d, want 1", counters.Similar)
	}
}

func TestRun_ProcessedContentFitsAndKeepsURLs(t *testing.T) {
	p := post("1", "New release notes https://go.dev/doc/go1.26")
	p.Quote = &model.QuotedPost{AuthorHandle: "rob", Text: "see this", URL: "https://x.com/rob/status/9"}
	h := newHarness(t, p)
	h.classifier.fn = func(string) (*classifier.Result, error) {
		return &classifier.Result{Relevance: 8, Paraphrase: strings.Repeat("palabra ", 60)}, nil
	}

	if _, err := h.p.Run(context.Background(), 1, testSettings(t), (&recorder{}).emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	it := h.store.items["1"]
	if n := utf8.RuneCountInString(it.ProcessedContent); n > model.MaxContentLength {
		t.Errorf("len = %d, want <= %d", n, model.MaxContentLength)
	}
	for _, u := range []string{"https://go.dev/doc/go1.26", "https://x.com/rob/status/9"} {
		if !strings.Contains(it.ProcessedContent, u) {
			t.Errorf("ProcessedContent %q missing %s", it.ProcessedContent, u)
		}
	}
	if it.QuoteAuthor != "rob" || it.PostedAt == nil {
		t.Errorf("item = %+v", it)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, posts(1)...)
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})

	s := testSettings(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.p.Run(context.Background(), 1, s, (&recorder{}).emit)
		done <- err
	}()
	<-h.fetcher.started

	rec := &recorder{}
	_, err := h.p.Run(context.Background(), 1, s, rec.emit)
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Run() error = %v, want ErrRunInProgress", err)
	}
	if len(rec.events) != 1 || rec.events[0].Type != EventError {
		t.Errorf("events = %+v, want single error", rec.events)
	}

	close(h.fetcher.release)
	if err := <-done; err != nil {
		t.Errorf("first Run() error = %v", err)
	}
}

func TestRun_RejectedStartKeepsPendingAbort(t *testing.T) {
	h := newHarness(t, posts(3)...)
	h.fetcher.started = make(chan struct{})
	h.fetcher.release = make(chan struct{})
	s := testSettings(t)

	first := &recorder{}
	done := make(chan error, 1)
	go func() {
		_, err := h.p.Run(context.Background(), 3, s, first.emit)
		done <- err
	}()
	<-h.fetcher.started

	ctx := context.Background()
	_ = h.abort.Set(ctx)
	if _, err := h.p.Run(ctx, 3, s, (&recorder{}).emit); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Run() error = %v, want ErrRunInProgress", err)
	}
	if set, _ := h.abort.IsSet(ctx); !set {
		t.Fatal("abort flag cleared by rejected start")
	}

	close(h.fetcher.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if last := first.last(); last.Type != EventComplete || !last.Cancelled {
		t.Errorf("first run terminal = %+v, want cancelled complete", last)
	}
	if h.classifier.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.classifier.calls)
	}
}

func TestRun_ClearsStaleAbortOnStart(t *testing.T) {
	h := newHarness(t, posts(2)...)
	_ = h.abort.Set(context.Background())

	rec := &recorder{}
	counters, err := h.p.Run(context.Background(), 2, testSettings(t), rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if done := rec.last(); done.Cancelled {
		t.Errorf("complete = %+v, want not cancelled", done)
	}
	if counters.Processed != 2 {
		t.Errorf("Processed = %d, want 2", counters.Processed)
	}
}

func TestRun_EnqueueFailureReported(t *testing.T) {
	h := newHarness(t, posts(1)...)
	h.queue.err = errors.New("connection refused")
	s := testSettings(t)
	s.AutoApproveEnabled = true

	rec := &recorder{}
	counters, err := h.p.Run(context.Background(), 1, s, rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	progress := rec.ofType(EventProgress)
	if len(progress) != 1 {
		t.Fatalf("progress events = %d, want 1", len(progress))
	}
	if got := progress[0].Status; got != ItemQueueFailed {
		t.Errorf("Status = %q, want %q", got, ItemQueueFailed)
	}
	if !strings.Contains(progress[0].Error, "connection refused") {
		t.Errorf("Error = %q, want enqueue error", progress[0].Error)
	}
	if counters.AutoQueued != 0 || counters.Approved != 1 {
		t.Errorf("counters = %+v, want approved without auto-queue", counters)
	}
	if it := h.store.items["1"]; it == nil || it.Status != model.StatusApproved {
		t.Errorf("stored item = %+v, want approved", it)
	}
}

func TestRun_UnsavedItemNotAddedToCorpus(t *testing.T) {
	text := "Go 1.26 released with generic type aliases and faster garbage collection"
	h := newHarness(t, post("1", text), post("2", text))
	h.classifier.fn = func(text string) (*classifier.Result, error) {
		return &classifier.Result{Relevance: 8, Paraphrase: text}, nil
	}
	h.store.createErr = map[string]error{"1": errors.New("disk full")}
	s := testSettings(t)
	s.SimilarityCheckEnabled = true

	counters, _ := h.p.Run(context.Background(), 2, s, (&recorder{}).emit)
	if counters.Similar != 0 {
		t.Errorf("Similar = %d, want 0", counters.Similar)
	}
	if counters.Errors != 1 {
		t.Errorf("Errors = %d, want 1", counters.Errors)
	}
	if _, ok := h.store.items["2"]; !ok {
		t.Error("second item should be stored")
	}
}

func TestMemoryAbortFlag(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryAbortFlag()
	if set, _ := f.IsSet(ctx); set {
		t.Fatal("new flag should be clear")
	}
	_ = f.Set(ctx)
	_ = f.Set(ctx)
	if set, _ := f.IsSet(ctx); !set {
		t.Fatal("flag should be set")
	}
	_ = f.Clear(ctx)
	if set, _ := f.IsSet(ctx); set {
		t.Fatal("flag should be cleared")
	}
}
