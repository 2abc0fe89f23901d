package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Shared state
	RedisURL string

	// LLM
	AnthropicAPIKey  string
	GroqAPIKey       string
	OpenRouterAPIKey string
	LLMTimeout       time.Duration

	// Publisher
	XAccessToken       string
	XAPIBaseURL        string
	PublishRatePerHour int

	// Source
	NitterBaseURL  string
	SourceAccounts []string
	FetchTimeout   time.Duration
	FetchMaxSize   int64

	// Scrape
	ScrapeDefaultCount int
	ScrapeRunTimeout   time.Duration
	ScrapeMinDelay     time.Duration
	ScrapeMaxDelay     time.Duration

	// Worker
	PublishCheckInterval time.Duration
	CleanupInterval      time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitScrape  int

	// Curation settings
	SettingsFile string

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotEnv はカレントディレクトリの.envを環境変数に読み込む。
// ファイルがない場合は何もしない。既に設定済みの環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.AnthropicAPIKey = getEnvString("ANTHROPIC_API_KEY", "")
	cfg.GroqAPIKey = getEnvString("GROQ_API_KEY", "")
	cfg.OpenRouterAPIKey = getEnvString("OPENROUTER_API_KEY", "")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 30*time.Second)

	cfg.XAccessToken = getEnvString("X_ACCESS_TOKEN", "")
	cfg.XAPIBaseURL = getEnvString("X_API_BASE_URL", "https://api.x.com")
	cfg.PublishRatePerHour = getEnvInt("PUBLISH_RATE_PER_HOUR", 17)

	cfg.NitterBaseURL = getEnvString("NITTER_BASE_URL", "https://nitter.net")
	cfg.SourceAccounts = splitList(os.Getenv("SOURCE_ACCOUNTS"))
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)

	cfg.ScrapeDefaultCount = getEnvInt("SCRAPE_DEFAULT_COUNT", 20)
	cfg.ScrapeRunTimeout = getEnvDuration("SCRAPE_RUN_TIMEOUT", 5*time.Minute)
	cfg.ScrapeMinDelay = getEnvDuration("SCRAPE_MIN_DELAY", 1500*time.Millisecond)
	cfg.ScrapeMaxDelay = getEnvDuration("SCRAPE_MAX_DELAY", 3*time.Second)

	cfg.PublishCheckInterval = getEnvDuration("PUBLISH_CHECK_INTERVAL", time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitScrape = getEnvInt("RATE_LIMIT_SCRAPE", 6)

	cfg.SettingsFile = getEnvString("SETTINGS_FILE", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigins = splitList(getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"))

	if cfg.ScrapeMaxDelay < cfg.ScrapeMinDelay {
		return nil, fmt.Errorf("SCRAPE_MAX_DELAY (%v) must not be less than SCRAPE_MIN_DELAY (%v)", cfg.ScrapeMaxDelay, cfg.ScrapeMinDelay)
	}

	return cfg, nil
}

// PublisherEnabled はXへの投稿が設定されているかを返す。
func (c *Config) PublisherEnabled() bool {
	return c.XAccessToken != ""
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
