package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ai-voicebot/internal/analytics"
	"ai-voicebot/internal/history"
	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/quota"
)

// serverConfig is the subset of the bot's environment this server reads.
type serverConfig struct {
	LedgerDriver    string `env:"LEDGER_DRIVER" envDefault:"sqlite"`
	LedgerPath      string `env:"LEDGER_PATH" envDefault:"data/ledger.db"`
	DatabaseURL     string `env:"DATABASE_URL"`
	ContextWindow   int    `env:"CONTEXT_WINDOW" envDefault:"4"`
	MaxUsers        int64  `env:"MAX_USERS" envDefault:"3"`
	MaxGPTTokens    int64  `env:"MAX_GPT_TOKENS" envDefault:"2000"`
	MaxTTSSymbols   int64  `env:"MAX_TTS_SYMBOLS" envDefault:"5000"`
	MaxSTTBlocks    int64  `env:"MAX_STT_BLOCKS" envDefault:"12"`
	STTBlockSeconds int64  `env:"STT_BLOCK_SECONDS" envDefault:"15"`
	MaxVoiceSeconds int64  `env:"MAX_VOICE_SECONDS" envDefault:"30"`
	LimitsFile      string `env:"LIMITS_FILE"`
}

func (c serverConfig) limits() (quota.Limits, error) {
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
	return l, l.Validate()
}

// UserUsageParams параметры для ledger_user_usage
type UserUsageParams struct {
	UserID int64 `json:"user_id" mcp:"Telegram user ID"`
}

// UsageReportParams параметры для ledger_usage_report
type UsageReportParams struct {
	Format string `json:"format,omitempty" mcp:"text (default) or json"`
}

// ContextWindowParams параметры для ledger_context_window
type ContextWindowParams struct {
	UserID int64 `json:"user_id" mcp:"Telegram user ID"`
}

// UsageMCPServer отдает агрегаты журнала расхода только на чтение
type UsageMCPServer struct {
	store   ledger.Reader
	history *history.Builder
	limits  quota.Limits
	now     func() time.Time
}

func NewUsageMCPServer(store ledger.Reader, window int, limits quota.Limits) *UsageMCPServer {
	return &UsageMCPServer{
		store:   store,
		history: history.NewBuilder(store, window),
		limits:  limits,
		now:     time.Now,
	}
}

func errorResult(format string, args ...any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: "❌ " + fmt.Sprintf(format, args...)},
		},
	}
}

func (s *UsageMCPServer) UserUsage(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[UserUsageParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.UserID == 0 {
		return errorResult("user_id is required"), nil
	}
	u, err := s.store.UserUsage(ctx, args.UserID)
	if err != nil {
		return errorResult("ledger read failed: %v", err), nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: analytics.FormatUserUsage(u, s.limits)},
		},
		Meta: map[string]interface{}{
			"user_id":     u.UserID,
			"messages":    u.Messages,
			"gpt_tokens":  u.GPTTokens,
			"tts_symbols": u.TTSSymbols,
			"stt_blocks":  u.STTBlocks,
		},
	}, nil
}

func (s *UsageMCPServer) UsageReport(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[UsageReportParams]) (*mcp.CallToolResultFor[any], error) {
	usage, err := s.store.Usage(ctx)
	if err != nil {
		return errorResult("ledger read failed: %v", err), nil
	}
	report := analytics.BuildUsageReport(usage, s.limits, s.now())

	text := report.Summary()
	if params.Arguments.Format == "json" {
		if text, err = report.ToJSON(); err != nil {
			return errorResult("failed to marshal report: %v", err), nil
		}
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		Meta: map[string]interface{}{
			"total_users":    report.TotalUsers,
			"total_messages": report.TotalMessages,
		},
	}, nil
}

func (s *UsageMCPServer) ContextWindow(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ContextWindowParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.UserID == 0 {
		return errorResult("user_id is required"), nil
	}
	w, err := s.history.LastN(ctx, args.UserID)
	if err != nil {
		return errorResult("ledger read failed: %v", err), nil
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return errorResult("failed to marshal window: %v", err), nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
		Meta: map[string]interface{}{
			"entries":      len(w.Entries),
			"total_tokens": w.TotalTokens,
		},
	}, nil
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	log.Printf("🚀 Starting usage MCP Server")

	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("❌ failed to parse config: %v", err)
	}
	limits, err := cfg.limits()
	if err != nil {
		log.Fatalf("❌ invalid limits: %v", err)
	}

	ctx := context.Background()
	// stdout carries the MCP protocol; logs go to stderr.
	store, err := ledger.Open(ctx, ledger.Config{
		Driver:   cfg.LedgerDriver,
		Path:     cfg.LedgerPath,
		URL:      cfg.DatabaseURL,
		PoolSize: 2,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		log.Fatalf("❌ Failed to open ledger: %v", err)
	}
	defer store.Close()

	usageServer := NewUsageMCPServer(store, cfg.ContextWindow, limits)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ai-voicebot-usage-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_user_usage",
		Description: "Returns one user's spend (messages, GPT tokens, TTS symbols, STT blocks) against the quota ceilings",
	}, usageServer.UserUsage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_usage_report",
		Description: "Returns the usage report across all users of the bot",
	}, usageServer.UsageReport)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_context_window",
		Description: "Returns the conversation window the bot would send to the model for a user",
	}, usageServer.ContextWindow)

	log.Printf("📋 Registered usage MCP tools: ledger_user_usage, ledger_usage_report, ledger_context_window")
	log.Printf("🔗 Starting usage MCP server on stdin/stdout...")

	transport := mcp.NewStdioTransport()
	if err := server.Run(ctx, transport); err != nil {
		log.Fatalf("❌ Usage MCP Server failed: %v", err)
	}
}
