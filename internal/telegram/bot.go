package telegram

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/quota"
	"ai-voicebot/internal/turn"
)

// Turns is the conversation engine the bot delivers replies for.
type Turns interface {
	Register(ctx context.Context, userID int64) turn.Reply
	HandleText(ctx context.Context, userID int64, text string) turn.Reply
	HandleVoice(ctx context.Context, userID, durationSec int64, fetch turn.AudioSource) turn.Reply
	Usage(ctx context.Context, userID int64) (ledger.UserUsage, quota.Limits, error)
	ResetLedger(ctx context.Context) error
}

// ReportFunc builds the admin usage report.
type ReportFunc func(ctx context.Context) (string, error)

type Bot struct {
	api         *tgbotapi.BotAPI
	s           sender
	turns       Turns
	adminUserID int64
	logFilePath string
	report      ReportFunc
	http        *http.Client
	wg          sync.WaitGroup
}

func New(botToken string, turns Turns, adminUserID int64, logFilePath string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	log.Printf("🤖 Authorized on account @%s", api.Self.UserName)
	return &Bot{
		api:         api,
		s:           botAPISender{api: api},
		turns:       turns,
		adminUserID: adminUserID,
		logFilePath: logFilePath,
		http:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetReportFunction enables /report for the admin.
func (b *Bot) SetReportFunction(f ReportFunc) {
	b.report = f
}

// Start polls updates until ctx is cancelled. Every message is handled on
// its own goroutine; the turn service keeps one open turn per user.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			msg := update.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleIncomingMessage(ctx, msg)
			}()
		}
	}
}

// SendReport delivers the usage report to the admin. It is what the
// scheduler runs.
func (b *Bot) SendReport(ctx context.Context) error {
	if b.adminUserID == 0 || b.report == nil {
		return nil
	}
	text, err := b.report(ctx)
	if err != nil {
		return err
	}
	_, err = b.s.Send(tgbotapi.NewMessage(b.adminUserID, text))
	return err
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.sendReply(chatID, 0, text)
}

func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.s.Send(msg); err != nil {
		log.Printf("failed to send message: %v", err)
	}
}
