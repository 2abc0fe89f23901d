// Package settings はキュレーション設定（言語、閾値、モデル、自動化トグル）を管理する。
// 既定値は埋め込みYAMLから読み込み、SETTINGS_FILE とDBに保存された値で上書きする。
package settings

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContentPlaceholder はプロンプトテンプレート中の投稿本文プレースホルダー。
const ContentPlaceholder = "{tweet_content}"

// LanguagePlaceholder はプロンプトテンプレート中の出力言語プレースホルダー。
const LanguagePlaceholder = "{target_language}"

// ErrInvalid は設定値が不正であることを示す。
var ErrInvalid = errors.New("invalid settings")

//go:embed defaults.yaml
var defaultsYAML []byte

// Settings はキュレーション設定を表す。
// DBにはJSON、既定値ファイルはYAMLで表現するため両方のタグを持つ。
type Settings struct {
	TargetLanguage    string   `yaml:"target_language" json:"target_language"`
	MinRelevanceScore float64  `yaml:"min_relevance_score" json:"min_relevance_score"`
	RejectedPatterns  []string `yaml:"rejected_patterns" json:"rejected_patterns"`
	PromptTemplate    string   `yaml:"prompt_template" json:"prompt_template"`
	Model             string   `yaml:"model" json:"model"`

	AutoPublishEnabled  bool    `yaml:"auto_publish_enabled" json:"auto_publish_enabled"`
	AutoPublishMinScore float64 `yaml:"auto_publish_min_score" json:"auto_publish_min_score"`
	AutoApproveEnabled  bool    `yaml:"auto_approve_enabled" json:"auto_approve_enabled"`

	MaxAgeDays             int  `yaml:"max_age_days" json:"max_age_days"`
	RetentionDays          int  `yaml:"retention_days" json:"retention_days"`
	SimilarityCheckEnabled bool `yaml:"similarity_check_enabled" json:"similarity_check_enabled"`
	SimilarityLookbackDays int  `yaml:"similarity_lookback_days" json:"similarity_lookback_days"`

	PublishEnabled         bool `yaml:"publish_enabled" json:"publish_enabled"`
	PublishIntervalMinutes int  `yaml:"publish_interval_minutes" json:"publish_interval_minutes"`
	ScrapeIntervalMinutes  int  `yaml:"scrape_interval_minutes" json:"scrape_interval_minutes"`
	ScrapeCount            int  `yaml:"scrape_count" json:"scrape_count"`
}

// Defaults は埋め込みの既定値を返す。
func Defaults() (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(defaultsYAML, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse default settings: %w", err)
	}
	return s, nil
}

// LoadFile はYAMLファイルの値をbaseに上書きした設定を返す。
// ファイルに現れないキーはbaseの値を保持する。
func LoadFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	s := base.Clone()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return s, nil
}

// Clone はスライスを共有しないコピーを返す。
func (s Settings) Clone() Settings {
	c := s
	if s.RejectedPatterns != nil {
		c.RejectedPatterns = append([]string(nil), s.RejectedPatterns...)
	}
	return c
}

// Validate は取り込み処理の実行に必要な設定が揃っているかを検証する。
func (s Settings) Validate() error {
	var problems []string

	if strings.TrimSpace(s.TargetLanguage) == "" {
		problems = append(problems, "target_language is required")
	}
	if strings.TrimSpace(s.Model) == "" {
		problems = append(problems, "model is required")
	}
	if !strings.Contains(s.PromptTemplate, ContentPlaceholder) {
		problems = append(problems, "prompt_template must contain "+ContentPlaceholder)
	}
	if s.MinRelevanceScore < 0 {
		problems = append(problems, "min_relevance_score must not be negative")
	}
	if s.AutoPublishMinScore < 0 {
		problems = append(problems, "auto_publish_min_score must not be negative")
	}
	if s.MaxAgeDays < 0 {
		problems = append(problems, "max_age_days must not be negative")
	}
	if s.RetentionDays < 0 {
		problems = append(problems, "retention_days must not be negative")
	}
	if s.SimilarityLookbackDays < 0 {
		problems = append(problems, "similarity_lookback_days must not be negative")
	}
	if s.PublishIntervalMinutes < 0 || s.ScrapeIntervalMinutes < 0 || s.ScrapeCount < 0 {
		problems = append(problems, "intervals and counts must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// RenderPrompt はテンプレートのプレースホルダーを置換したプロンプトを返す。
func (s Settings) RenderPrompt(content string) string {
	p := strings.ReplaceAll(s.PromptTemplate, ContentPlaceholder, content)
	return strings.ReplaceAll(p, LanguagePlaceholder, s.TargetLanguage)
}
