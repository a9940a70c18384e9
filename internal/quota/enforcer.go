package quota

import (
	"context"
	"fmt"
	"unicode/utf8"

	"ai-voicebot/internal/ledger"
)

// Kind names the budget a Decision was made against.
type Kind string

const (
	KindUsers      Kind = "users"
	KindGPTTokens  Kind = "gpt_tokens"
	KindTTSSymbols Kind = "tts_symbols"
	KindSTTBlocks  Kind = "stt_blocks"
	KindVoiceLen   Kind = "voice_length"
)

// Decision is the outcome of one check. A denial is a normal result, not an
// error. Value is the cost the check computed (distinct users, projected
// tokens, symbols or blocks) so callers can record it without recomputing.
type Decision struct {
	Allowed bool
	Value   int64
	Kind    Kind
	Reason  string
}

func allow(kind Kind, v int64) Decision {
	return Decision{Allowed: true, Value: v, Kind: kind}
}

func deny(kind Kind, v int64, reason string) Decision {
	return Decision{Value: v, Kind: kind, Reason: reason}
}

const reasonUnavailable = "Сервис временно недоступен, попробуйте позже."

// Aggregator is the read side the enforcer needs. *ledger.Aggregator
// satisfies it and applies the configured failure policy.
type Aggregator interface {
	SumResource(ctx context.Context, userID int64, resource ledger.Resource) (int64, error)
	CountDistinctUsers(ctx context.Context, excluding int64) (int64, error)
}

type Enforcer struct {
	agg    Aggregator
	limits Limits
}

func NewEnforcer(agg Aggregator, limits Limits) *Enforcer {
	return &Enforcer{agg: agg, limits: limits}
}

func (e *Enforcer) Limits() Limits { return e.limits }

// Blocks converts an audio duration to billed blocks: ceil(d / block
// length), at least one for any audio.
func (e *Enforcer) Blocks(durationSec int64) int64 {
	return Blocks(durationSec, e.limits.STTBlockSeconds)
}

func Blocks(durationSec, blockSec int64) int64 {
	if blockSec <= 0 {
		blockSec = 1
	}
	if durationSec <= 0 {
		return 1
	}
	return (durationSec + blockSec - 1) / blockSec
}

// CheckUserCap admits a user unless MaxUsers other users are already known.
func (e *Enforcer) CheckUserCap(ctx context.Context, userID int64) Decision {
	n, err := e.agg.CountDistinctUsers(ctx, userID)
	if err != nil {
		return deny(KindUsers, 0, reasonUnavailable)
	}
	if n >= e.limits.MaxUsers {
		return deny(KindUsers, n, "Достигнут лимит пользователей бота. Новые пользователи пока не принимаются.")
	}
	return allow(KindUsers, n)
}

// CheckSTT prices an inbound voice message and checks it against the
// user's remaining audio blocks.
func (e *Enforcer) CheckSTT(ctx context.Context, userID, durationSec int64) Decision {
	blocks := e.Blocks(durationSec)
	if durationSec > e.limits.MaxVoiceSeconds {
		return deny(KindVoiceLen, blocks,
			fmt.Sprintf("Голосовое сообщение слишком длинное: %d с, максимум %d с.", durationSec, e.limits.MaxVoiceSeconds))
	}
	spent, err := e.agg.SumResource(ctx, userID, ledger.ResourceSTTBlocks)
	if err != nil {
		return deny(KindSTTBlocks, blocks, reasonUnavailable)
	}
	if spent+blocks > e.limits.MaxSTTBlocks {
		return deny(KindSTTBlocks, blocks,
			fmt.Sprintf("Лимит распознавания речи исчерпан: потрачено %d из %d блоков, сообщение требует %d.",
				spent, e.limits.MaxSTTBlocks, blocks))
	}
	return allow(KindSTTBlocks, blocks)
}

// CheckGPT projects the token total after the next call: the cumulative
// total of the context window plus the estimated cost of the prompt.
func (e *Enforcer) CheckGPT(windowTotal, estimate int64) Decision {
	projected := windowTotal + estimate
	if projected > e.limits.MaxGPTTokens {
		return deny(KindGPTTokens, projected,
			fmt.Sprintf("Лимит токенов исчерпан: запрос потребует %d из %d.", projected, e.limits.MaxGPTTokens))
	}
	return allow(KindGPTTokens, projected)
}

// CheckTTS prices text by its character count. A denial here only
// downgrades the reply to text.
func (e *Enforcer) CheckTTS(ctx context.Context, userID int64, text string) Decision {
	symbols := int64(utf8.RuneCountInString(text))
	spent, err := e.agg.SumResource(ctx, userID, ledger.ResourceTTSSymbols)
	if err != nil {
		return deny(KindTTSSymbols, symbols, reasonUnavailable)
	}
	if spent+symbols > e.limits.MaxTTSSymbols {
		return deny(KindTTSSymbols, symbols,
			fmt.Sprintf("Лимит синтеза речи исчерпан: потрачено %d из %d символов, ответ содержит %d.",
				spent, e.limits.MaxTTSSymbols, symbols))
	}
	return allow(KindTTSSymbols, symbols)
}
