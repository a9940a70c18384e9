package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ai-voicebot/internal/analytics"
	"ai-voicebot/internal/config"
	"ai-voicebot/internal/history"
	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/llm"
	"ai-voicebot/internal/quota"
	"ai-voicebot/internal/scheduler"
	"ai-voicebot/internal/speech"
	"ai-voicebot/internal/telegram"
	"ai-voicebot/internal/turn"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()

	logOut, closeLog := openLogOutput(cfg.LogFilePath)
	defer closeLog()
	log.SetOutput(logOut)
	logger := slog.New(slog.NewTextHandler(logOut, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits, err := cfg.Limits()
	if err != nil {
		log.Fatalf("invalid quota limits: %v", err)
	}

	ledgerCfg := cfg.Ledger()
	ledgerCfg.Logger = logger
	if ledgerCfg.Driver != ledger.DriverPostgres {
		if err := os.MkdirAll(filepath.Dir(ledgerCfg.Path), 0o755); err != nil {
			log.Fatalf("failed to create ledger dir: %v", err)
		}
	}
	store, err := ledger.Open(ctx, ledgerCfg)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer store.Close()

	tokens := yandexTokens(cfg)
	factory := &llm.Factory{
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenaiModel:        cfg.OpenAIModel,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexFolderID:     cfg.YandexFolderID,
		YandexTokens:       tokens,
	}
	llmClient, err := factory.CreateClient(string(cfg.LLMProvider))
	if err != nil {
		log.Fatalf("failed to create llm client: %v", err)
	}
	if tokens == nil {
		log.Fatalf("SpeechKit needs YANDEX_OAUTH_TOKEN or YANDEX_IAM_TOKEN")
	}
	sk := speech.New(tokens, speech.Config{
		FolderID: cfg.YandexFolderID,
		Lang:     cfg.SpeechLang,
		Voice:    cfg.SpeechVoice,
	})

	turns := turn.New(turn.Config{
		Store:        store,
		Enforcer:     quota.NewEnforcer(ledger.NewAggregator(store, cfg.FailMode(), logger), limits),
		History:      history.NewBuilder(store, cfg.ContextWindow),
		LLM:          llmClient,
		STT:          sk,
		TTS:          sk,
		SystemPrompt: readSystemPrompt(cfg.SystemPromptPath),
	})

	bot, err := telegram.New(cfg.TelegramBotToken, turns, cfg.AdminUserID, cfg.LogFilePath)
	if err != nil {
		log.Fatalf("failed to create bot: %v", err)
	}
	bot.SetReportFunction(func(ctx context.Context) (string, error) {
		usage, err := store.Usage(ctx)
		if err != nil {
			return "", err
		}
		return analytics.BuildUsageReport(usage, limits, time.Now()).Summary(), nil
	})

	if cfg.ReportCron != "" && cfg.AdminUserID != 0 {
		sched := scheduler.New(cfg.ReportCron)
		sched.SetReportFunction(bot.SendReport)
		if err := sched.Start(); err != nil {
			log.Fatalf("failed to start scheduler: %v", err)
		}
		defer sched.Stop()
	}

	log.Printf("🚀 Bot started: provider=%s ledger=%s window=%d fail_mode=%s",
		cfg.LLMProvider, ledgerCfg.Driver, cfg.ContextWindow, cfg.FailMode())
	bot.Start(ctx)
	log.Printf("👋 Bot stopped")
}

// openLogOutput tees the log to stderr and LOG_FILE_PATH so /debug can
// ship the file.
func openLogOutput(path string) (io.Writer, func()) {
	if path == "" {
		return os.Stderr, func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("failed to create log dir: %v", err)
		return os.Stderr, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return os.Stderr, func() {}
	}
	return io.MultiWriter(os.Stderr, f), func() { _ = f.Close() }
}

func yandexTokens(cfg *config.Config) llm.TokenSource {
	switch {
	case cfg.YandexIAMToken != "":
		return llm.StaticToken(cfg.YandexIAMToken)
	case cfg.YandexOAuthToken != "":
		return llm.NewIAMSource(cfg.YandexOAuthToken)
	}
	return nil
}

func readSystemPrompt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("system prompt file not found or unreadable at %s: %v", path, err)
		return ""
	}
	return string(data)
}
