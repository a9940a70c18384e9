package config

import (
	"fmt"
	"log"

	"github.com/caarlos0/env/v6"

	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/quota"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Config struct {
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN,required"`
	AdminUserID      int64  `env:"ADMIN_USER"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"yandex"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexIAMToken   string      `env:"YANDEX_IAM_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// SpeechKit
	SpeechLang  string `env:"SPEECH_LANG" envDefault:"ru-RU"`
	SpeechVoice string `env:"SPEECH_VOICE" envDefault:"filipp"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`

	LogFilePath string `env:"LOG_FILE_PATH" envDefault:"logs/bot.log"`

	// Ledger
	LedgerDriver       string `env:"LEDGER_DRIVER" envDefault:"sqlite"`
	LedgerPath         string `env:"LEDGER_PATH" envDefault:"data/ledger.db"`
	DatabaseURL        string `env:"DATABASE_URL"`
	LedgerPoolSize     int    `env:"LEDGER_POOL_SIZE" envDefault:"4"`
	LedgerCleanOnStart bool   `env:"LEDGER_CLEAN_ON_START" envDefault:"false"`

	// Quotas
	MaxUsers        int64  `env:"MAX_USERS" envDefault:"3"`
	ContextWindow   int    `env:"CONTEXT_WINDOW" envDefault:"4"`
	MaxGPTTokens    int64  `env:"MAX_GPT_TOKENS" envDefault:"2000"`
	MaxTTSSymbols   int64  `env:"MAX_TTS_SYMBOLS" envDefault:"5000"`
	MaxSTTBlocks    int64  `env:"MAX_STT_BLOCKS" envDefault:"12"`
	STTBlockSeconds int64  `env:"STT_BLOCK_SECONDS" envDefault:"15"`
	MaxVoiceSeconds int64  `env:"MAX_VOICE_SECONDS" envDefault:"30"`
	QuotaFailMode   string `env:"QUOTA_FAIL_MODE" envDefault:"open"`
	LimitsFile      string `env:"LIMITS_FILE"`

	// Daily usage report to the admin, cron syntax in UTC. Empty disables it.
	ReportCron string `env:"REPORT_CRON" envDefault:"0 21 * * *"`
}

// Load parses the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, err := ledger.ParseFailMode(cfg.QuotaFailMode); err != nil {
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

// Limits returns the quota ceilings, with LIMITS_FILE applied on top of the
// environment when set.
func (c *Config) Limits() (quota.Limits, error) {
	l := quota.Limits{
		MaxUsers:        c.MaxUsers,
		MaxGPTTokens:    c.MaxGPTTokens,
		MaxTTSSymbols:   c.MaxTTSSymbols,
		MaxSTTBlocks:    c.MaxSTTBlocks,
		STTBlockSeconds: c.STTBlockSeconds,
		MaxVoiceSeconds: c.MaxVoiceSeconds,
	}
	if c.LimitsFile != "" {
		return quota.LoadLimits(c.LimitsFile, l)
	}
	if err := l.Validate(); err != nil {
		return quota.Limits{}, err
	}
	return l, nil
}

// FailMode returns the validated aggregation failure policy.
func (c *Config) FailMode() ledger.FailMode {
	m, err := ledger.ParseFailMode(c.QuotaFailMode)
	if err != nil {
		return ledger.FailOpen
	}
	return m
}

// Ledger returns the store settings.
func (c *Config) Ledger() ledger.Config {
	return ledger.Config{
		Driver:       c.LedgerDriver,
		Path:         c.LedgerPath,
		URL:          c.DatabaseURL,
		PoolSize:     c.LedgerPoolSize,
		CleanOnStart: c.LedgerCleanOnStart,
	}
}
