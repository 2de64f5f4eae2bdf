package config

import (
	"fmt"
	"log"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
	ProviderGemini LLMProvider = "gemini"
)

type Config struct {
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	// Storage
	StorageType           string `env:"STORAGE_TYPE" envDefault:"json"`
	StoragePath           string `env:"STORAGE_PATH" envDefault:"./data"`
	DatabaseDSN           string `env:"DATABASE_DSN"`
	MaxContextLength      int    `env:"MAX_CONTEXT_LENGTH" envDefault:"10"`
	CorruptDocumentPolicy string `env:"CORRUPT_DOCUMENT_POLICY" envDefault:"empty"`

	// Conversation
	SharedContext     bool   `env:"SHARED_CONTEXT" envDefault:"true"`
	PersonalitiesFile string `env:"PERSONALITIES_FILE"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY" envDefault:"lm-studio"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL" envDefault:"http://localhost:1234/v1"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"local-model"`
	GeminiAPIKey     string      `env:"GEMINI_API_KEY"`
	GeminiModel      string      `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`
	LLMTemperature   float64     `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMMaxTokens     int         `env:"LLM_MAX_TOKENS" envDefault:"1000"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	LogOutput   string `env:"LOG_OUTPUT" envDefault:"stderr"`
	MetricsAddr string `env:"METRICS_ADDR"`
	ReportCron  string `env:"REPORT_CRON" envDefault:"0 21 * * *"`

	// Formatting
	MessageParseMode string `env:"MESSAGE_PARSE_MODE"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func New() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.StorageType {
	case "json", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid STORAGE_TYPE %q", c.StorageType)
	}
	if c.StorageType == "postgres" && c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required for postgres storage")
	}
	if c.MaxContextLength <= 0 {
		return fmt.Errorf("MAX_CONTEXT_LENGTH must be positive, got %d", c.MaxContextLength)
	}
	switch c.CorruptDocumentPolicy {
	case "empty", "fail":
	default:
		return fmt.Errorf("invalid CORRUPT_DOCUMENT_POLICY %q", c.CorruptDocumentPolicy)
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderYandex, ProviderGemini:
	default:
		return fmt.Errorf("invalid LLM_PROVIDER %q", c.LLMProvider)
	}
	return nil
}
