package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/quota"
)

// nearLimitRatio помечает пользователей, потративших не меньше этой доли бюджета
const nearLimitRatio = 0.8

// UsageReport содержит сводку расхода по всему журналу
type UsageReport struct {
	Date          string       `json:"date"`
	TotalUsers    int          `json:"total_users"`
	MaxUsers      int64        `json:"max_users"`
	TotalMessages int64        `json:"total_messages"`
	GPTTokens     int64        `json:"gpt_tokens"`
	TTSSymbols    int64        `json:"tts_symbols"`
	STTBlocks     int64        `json:"stt_blocks"`
	Users         []UserReport `json:"users"`
}

// UserReport содержит расход одного пользователя и долю каждого лимита
type UserReport struct {
	ledger.UserUsage
	GPTShare  float64 `json:"gpt_share"`
	TTSShare  float64 `json:"tts_share"`
	STTShare  float64 `json:"stt_share"`
	NearLimit bool    `json:"near_limit"`
}

// BuildUsageReport строит отчет по агрегатам из журнала
func BuildUsageReport(usage []ledger.UserUsage, limits quota.Limits, at time.Time) *UsageReport {
	r := &UsageReport{
		Date:       at.UTC().Format("2006-01-02"),
		TotalUsers: len(usage),
		MaxUsers:   limits.MaxUsers,
		Users:      make([]UserReport, 0, len(usage)),
	}
	for _, u := range usage {
		r.TotalMessages += u.Messages
		r.GPTTokens += u.GPTTokens
		r.TTSSymbols += u.TTSSymbols
		r.STTBlocks += u.STTBlocks

		ur := UserReport{
			UserUsage: u,
			GPTShare:  share(u.GPTTokens, limits.MaxGPTTokens),
			TTSShare:  share(u.TTSSymbols, limits.MaxTTSSymbols),
			STTShare:  share(u.STTBlocks, limits.MaxSTTBlocks),
		}
		ur.NearLimit = ur.GPTShare >= nearLimitRatio || ur.TTSShare >= nearLimitRatio || ur.STTShare >= nearLimitRatio
		r.Users = append(r.Users, ur)
	}
	sort.Slice(r.Users, func(i, j int) bool { return r.Users[i].UserID < r.Users[j].UserID })
	return r
}

func share(spent, ceiling int64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return float64(spent) / float64(ceiling)
}

// Summary возвращает текст отчета для администратора
func (r *UsageReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Расход ресурсов на %s\n\n", r.Date)
	fmt.Fprintf(&b, "Пользователей: %d из %d\n", r.TotalUsers, r.MaxUsers)
	fmt.Fprintf(&b, "Сообщений: %d\n", r.TotalMessages)
	fmt.Fprintf(&b, "Токены GPT: %d\n", r.GPTTokens)
	fmt.Fprintf(&b, "Символы синтеза: %d\n", r.TTSSymbols)
	fmt.Fprintf(&b, "Блоки распознавания: %d\n", r.STTBlocks)

	if len(r.Users) == 0 {
		b.WriteString("\nЖурнал пуст.")
		return b.String()
	}
	b.WriteString("\nПо пользователям:\n")
	for _, u := range r.Users {
		mark := ""
		if u.NearLimit {
			mark = " ⚠️"
		}
		fmt.Fprintf(&b, "- %d: %d сообщ., GPT %.0f%%, TTS %.0f%%, STT %.0f%%%s\n",
			u.UserID, u.Messages, u.GPTShare*100, u.TTSShare*100, u.STTShare*100, mark)
	}
	return b.String()
}

// ToJSON сериализует отчет в JSON
func (r *UsageReport) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatUserUsage показывает пользователю его расход относительно лимитов
func FormatUserUsage(u ledger.UserUsage, limits quota.Limits) string {
	var b strings.Builder
	b.WriteString("📊 Ваш расход:\n")
	fmt.Fprintf(&b, "Сообщений: %d\n", u.Messages)
	fmt.Fprintf(&b, "Токены GPT: %d / %d\n", u.GPTTokens, limits.MaxGPTTokens)
	fmt.Fprintf(&b, "Символы синтеза речи: %d / %d\n", u.TTSSymbols, limits.MaxTTSSymbols)
	fmt.Fprintf(&b, "Блоки распознавания: %d / %d (блок = %d с)", u.STTBlocks, limits.MaxSTTBlocks, limits.STTBlockSeconds)
	return b.String()
}
