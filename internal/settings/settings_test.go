package settings

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/curator/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// mockStore はStoreのテスト用モック。
type mockStore struct {
	data    []byte
	loadErr error
	saveErr error
	saved   []byte
}

func (m *mockStore) Load(ctx context.Context) ([]byte, error) {
	return m.data, m.loadErr
}

func (m *mockStore) Save(ctx context.Context, data []byte) error {
	m.saved = data
	return m.saveErr
}

func TestDefaults_AreValid(t *testing.T) {
	s, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() error: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings should be valid, got %v", err)
	}
	if s.ScrapeCount != 20 {
		t.Errorf("ScrapeCount = %d, want 20", s.ScrapeCount)
	}
	if !strings.Contains(s.PromptTemplate, LanguagePlaceholder) {
		t.Error("default prompt should contain the language placeholder")
	}
}

func TestValidate_ReportsProblems(t *testing.T) {
	s := Settings{MinRelevanceScore: -1}

	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("error should wrap ErrInvalid, got %v", err)
	}
	for _, want := range []string{"target_language", "model", "prompt_template", "min_relevance_score"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err.Error(), want)
		}
	}
}

func TestRenderPrompt_SubstitutesPlaceholders(t *testing.T) {
	s := Settings{
		TargetLanguage: "es",
		PromptTemplate: "Post: {tweet_content} / lang={target_language} / again {target_language}",
	}
	got := s.RenderPrompt("hello")
	want := "Post: hello / lang=es / again es"
	if got != want {
		t.Errorf("RenderPrompt() = %q, want %q", got, want)
	}
}

func TestLoadFile_OverridesOnlyPresentKeys(t *testing.T) {
	base, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("target_language: en\nmin_relevance_score: 4.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadFile(path, base)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if s.TargetLanguage != "en" {
		t.Errorf("TargetLanguage = %q, want %q", s.TargetLanguage, "en")
	}
	if s.MinRelevanceScore != 4.5 {
		t.Errorf("MinRelevanceScore = %v, want 4.5", s.MinRelevanceScore)
	}
	if s.Model != base.Model {
		t.Errorf("Model = %q, want base value %q", s.Model, base.Model)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"), Settings{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestClone_DoesNotShareSlices(t *testing.T) {
	s := Settings{RejectedPatterns: []string{"a"}}
	c := s.Clone()
	c.RejectedPatterns[0] = "b"
	if s.RejectedPatterns[0] != "a" {
		t.Error("Clone should copy RejectedPatterns")
	}
}

func TestService_Current_NoStoredValue_ReturnsDefaults(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	svc := NewService(&mockStore{}, defaults, newTestLogger(&buf))

	s, err := svc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if s.Model != defaults.Model {
		t.Errorf("Model = %q, want %q", s.Model, defaults.Model)
	}
}

func TestService_Current_MergesStoredValue(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	store := &mockStore{data: []byte(`{"target_language":"fr","auto_approve_enabled":true}`)}
	svc := NewService(store, defaults, newTestLogger(&buf))

	s, err := svc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if s.TargetLanguage != "fr" {
		t.Errorf("TargetLanguage = %q, want fr", s.TargetLanguage)
	}
	if !s.AutoApproveEnabled {
		t.Error("AutoApproveEnabled should be true")
	}
	if s.PromptTemplate != defaults.PromptTemplate {
		t.Error("keys missing from the stored value should keep defaults")
	}
}

func TestService_Current_CorruptValueFallsBack(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	svc := NewService(&mockStore{data: []byte(`{not json`)}, defaults, newTestLogger(&buf))

	s, err := svc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if s.TargetLanguage != defaults.TargetLanguage {
		t.Errorf("TargetLanguage = %q, want default", s.TargetLanguage)
	}
	if !strings.Contains(buf.String(), "WARN") {
		t.Error("expected a warning log")
	}
}

func TestService_Current_StoreError(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&mockStore{loadErr: errors.New("db down")}, Settings{}, newTestLogger(&buf))

	if _, err := svc.Current(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestService_Update_SavesValidatedSettings(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	store := &mockStore{}
	svc := NewService(store, defaults, newTestLogger(&buf))

	s, err := svc.Update(context.Background(), []byte(`{"min_relevance_score":7.5}`))
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if s.MinRelevanceScore != 7.5 {
		t.Errorf("MinRelevanceScore = %v, want 7.5", s.MinRelevanceScore)
	}
	if !bytes.Contains(store.saved, []byte(`"min_relevance_score":7.5`)) {
		t.Errorf("saved JSON = %s", store.saved)
	}
}

func TestService_Update_InvalidReturnsAPIError(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	store := &mockStore{}
	svc := NewService(store, defaults, newTestLogger(&buf))

	_, err := svc.Update(context.Background(), []byte(`{"prompt_template":"no placeholder"}`))

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeInvalidSettings {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeInvalidSettings)
	}
	if store.saved != nil {
		t.Error("invalid settings must not be saved")
	}
}

func TestService_Update_MalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	defaults, _ := Defaults()
	svc := NewService(&mockStore{}, defaults, newTestLogger(&buf))

	_, err := svc.Update(context.Background(), []byte(`{`))

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}
