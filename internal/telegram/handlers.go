package telegram

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ai-voicebot/internal/analytics"
	"ai-voicebot/internal/turn"
)

const (
	textGreeting = "Привет! Я голосовой помощник. Отправь мне голосовое или текстовое сообщение, и я отвечу.\n\n" +
		"/help - как пользоваться ботом\n/usage - сколько ресурсов потрачено"
	textHelp = "🤖Описание бота:\n\n" +
		"Бот распознает речь с помощью Yandex SpeechKit и генерирует ответы с помощью языковой модели. " +
		"На голосовые сообщения бот отвечает голосом, на текстовые - текстом.\n\n" +
		"У каждого пользователя есть лимиты на токены модели, распознавание и синтез речи. " +
		"Посмотреть расход: /usage"
	textAbout       = "Голосовой помощник на YandexGPT и SpeechKit. Контекст диалога строится из последних сообщений."
	textUnsupported = "Отправь мне голосовое или текстовое сообщение, и я тебе отвечу"
	textAdminOnly   = "Команда доступна только администратору"
)

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Voice != nil:
		b.handleVoice(ctx, msg)
	case msg.Text != "":
		b.handleText(ctx, msg)
	default:
		b.sendMessage(msg.Chat.ID, textUnsupported)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		r := b.turns.Register(ctx, msg.From.ID)
		if r.Outcome != turn.OutcomeOK {
			b.sendMessage(msg.Chat.ID, r.Text)
			return
		}
		b.sendMessage(msg.Chat.ID, textGreeting)
		return
	case "help":
		b.sendMessage(msg.Chat.ID, textHelp)
		return
	case "about":
		b.sendMessage(msg.Chat.ID, textAbout)
		return
	case "usage":
		u, limits, err := b.turns.Usage(ctx, msg.From.ID)
		if err != nil {
			log.Printf("❌ usage for %d: %v", msg.From.ID, err)
			b.sendMessage(msg.Chat.ID, "Не удалось получить статистику, попробуйте позже.")
			return
		}
		b.sendMessage(msg.Chat.ID, analytics.FormatUserUsage(u, limits))
		return
	}

	// admin-only commands
	if msg.From.ID != b.adminUserID {
		b.sendMessage(msg.Chat.ID, textAdminOnly)
		return
	}
	switch msg.Command() {
	case "debug":
		doc := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FilePath(b.logFilePath))
		if _, err := b.s.Send(doc); err != nil {
			log.Printf("failed to send log file: %v", err)
			b.sendMessage(msg.Chat.ID, fmt.Sprintf("Не удалось отправить лог: %v", err))
		}
	case "report":
		if b.report == nil {
			b.sendMessage(msg.Chat.ID, "Отчеты отключены")
			return
		}
		text, err := b.report(ctx)
		if err != nil {
			b.sendMessage(msg.Chat.ID, fmt.Sprintf("Ошибка отчета: %v", err))
			return
		}
		b.sendMessage(msg.Chat.ID, text)
	case "reset_ledger":
		if err := b.turns.ResetLedger(ctx); err != nil {
			log.Printf("❌ ledger reset: %v", err)
			b.sendMessage(msg.Chat.ID, fmt.Sprintf("Ошибка очистки журнала: %v", err))
			return
		}
		b.sendMessage(msg.Chat.ID, "Журнал расхода очищен")
	default:
		b.sendMessage(msg.Chat.ID, "Неизвестная команда")
	}
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	log.Printf("Incoming message from %d (@%s): %q", msg.From.ID, msg.From.UserName, msg.Text)
	r := b.turns.HandleText(ctx, msg.From.ID, msg.Text)
	b.deliver(msg, r)
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	log.Printf("Incoming voice from %d (@%s): %ds", msg.From.ID, msg.From.UserName, msg.Voice.Duration)
	fileID := msg.Voice.FileID
	fetch := func(ctx context.Context) ([]byte, error) {
		return b.downloadFile(ctx, fileID)
	}
	r := b.turns.HandleVoice(ctx, msg.From.ID, int64(msg.Voice.Duration), fetch)
	b.deliver(msg, r)
}

// deliver sends a turn's reply. A voice reply that fails to send is
// retried as text so the answer is not lost.
func (b *Bot) deliver(msg *tgbotapi.Message, r turn.Reply) {
	chatID := msg.Chat.ID
	if r.Voice != nil {
		voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "answer.ogg", Bytes: r.Voice})
		voice.ReplyToMessageID = msg.MessageID
		_, err := b.s.Send(voice)
		if err == nil {
			return
		}
		log.Printf("failed to send voice, falling back to text: %v", err)
	}
	if r.Text != "" {
		b.sendReply(chatID, msg.MessageID, r.Text)
	}
	if r.Notice != "" {
		b.sendMessage(chatID, r.Notice)
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.s.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	return content, nil
}
