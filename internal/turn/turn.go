// Package turn runs one request/response cycle: admission, quota checks,
// external calls and ledger appends, in that order. It never talks to the
// chat transport; callers deliver the returned Reply.
package turn

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"ai-voicebot/internal/history"
	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/llm"
	"ai-voicebot/internal/quota"
	"ai-voicebot/internal/speech"
)

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeDenied
	OutcomeStoreFailure
	OutcomeUpstreamFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDenied:
		return "denied"
	case OutcomeStoreFailure:
		return "store_failure"
	case OutcomeUpstreamFailure:
		return "upstream_failure"
	}
	return "unknown"
}

// Reply is what the transport should send back. Voice, when set, replaces
// Text. Notice is an extra message, e.g. why a voice reply fell back to
// text.
type Reply struct {
	Text    string
	Voice   []byte
	Notice  string
	Outcome Outcome
}

const (
	msgStoreFailure   = "Не получилось ответить: внутренняя ошибка. Попробуйте написать позже."
	msgUpstream       = "Не получилось ответить. Попробуйте отправить сообщение ещё раз."
	msgNotRecognized  = "Я не услышал речь. Пожалуйста, отправьте ещё раз."
	msgTTSUnavailable = "Не удалось озвучить ответ, отправляю текстом."
)

// AudioSource fetches the inbound voice payload. It is called only after
// the message passed its STT budget check.
type AudioSource func(ctx context.Context) ([]byte, error)

type Config struct {
	Store        ledger.Store
	Enforcer     *quota.Enforcer
	History      *history.Builder
	LLM          llm.Client
	STT          speech.Recognizer
	TTS          speech.Synthesizer
	SystemPrompt string
}

type Service struct {
	store        ledger.Store
	enforcer     *quota.Enforcer
	history      *history.Builder
	llm          llm.Client
	stt          speech.Recognizer
	tts          speech.Synthesizer
	systemPrompt string

	// regMu serializes first contact so two new users cannot both pass the
	// user cap before either registration row lands.
	regMu sync.Mutex
	// ledgerMu is held shared by every turn from admission to its last
	// append and exclusively by ResetLedger.
	ledgerMu sync.RWMutex
	users    sync.Map // int64 -> *sync.Mutex
	newID    func() string
}

func New(cfg Config) *Service {
	return &Service{
		store:        cfg.Store,
		enforcer:     cfg.Enforcer,
		history:      cfg.History,
		llm:          cfg.LLM,
		stt:          cfg.STT,
		tts:          cfg.TTS,
		systemPrompt: cfg.SystemPrompt,
		newID:        func() string { return uuid.NewString() },
	}
}

// lockUser allows at most one open turn per user and keeps a ledger
// reset from landing in the middle of it.
func (s *Service) lockUser(userID int64) func() {
	m, _ := s.users.LoadOrStore(userID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	s.ledgerMu.RLock()
	return func() {
		s.ledgerMu.RUnlock()
		mu.Unlock()
	}
}

// Register writes the user's bootstrap row on first contact, subject to the
// user cap. Known users are admitted without a check.
func (s *Service) Register(ctx context.Context, userID int64) Reply {
	tid := s.newID()
	defer s.lockUser(userID)()
	if r, ok := s.admit(ctx, tid, userID); !ok {
		return r
	}
	return Reply{Outcome: OutcomeOK}
}

func (s *Service) admit(ctx context.Context, tid string, userID int64) (Reply, bool) {
	exists, err := s.store.Exists(ctx, userID)
	if err != nil {
		return s.storeFailure(tid, userID, "exists", err), false
	}
	if exists {
		return Reply{}, true
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()
	exists, err = s.store.Exists(ctx, userID)
	if err != nil {
		return s.storeFailure(tid, userID, "exists", err), false
	}
	if exists {
		return Reply{}, true
	}
	d := s.enforcer.CheckUserCap(ctx, userID)
	if !d.Allowed {
		return s.denied(tid, userID, d), false
	}
	if _, err := s.store.Append(ctx, ledger.Registration(userID)); err != nil {
		return s.storeFailure(tid, userID, "register", err), false
	}
	log.Printf("👤 [%s] registered user %d (%d other users)", tid, userID, d.Value)
	return Reply{}, true
}

// HandleText answers a text message with text.
func (s *Service) HandleText(ctx context.Context, userID int64, text string) Reply {
	tid := s.newID()
	defer s.lockUser(userID)()
	log.Printf("💬 [%s] text from %d (%d bytes)", tid, userID, len(text))

	if r, ok := s.admit(ctx, tid, userID); !ok {
		return r
	}
	if r, ok := s.appendInbound(ctx, tid, userID, text, 0); !ok {
		return r
	}
	answer, total, r, ok := s.ask(ctx, tid, userID)
	if !ok {
		return r
	}
	if _, err := s.store.Append(ctx, ledger.Event{
		UserID: userID, Message: answer, Role: ledger.RoleAssistant, TotalGPTTokens: total,
	}); err != nil {
		return s.storeFailure(tid, userID, "append answer", err)
	}
	log.Printf("✅ [%s] text reply to %d, total tokens %d", tid, userID, total)
	return Reply{Text: answer, Outcome: OutcomeOK}
}

// HandleVoice answers a voice message, with voice when the TTS budget and
// the synthesizer allow it and with text otherwise.
func (s *Service) HandleVoice(ctx context.Context, userID, durationSec int64, fetch AudioSource) Reply {
	tid := s.newID()
	defer s.lockUser(userID)()
	log.Printf("🎤 [%s] voice from %d (%ds)", tid, userID, durationSec)

	if r, ok := s.admit(ctx, tid, userID); !ok {
		return r
	}
	stt := s.enforcer.CheckSTT(ctx, userID, durationSec)
	if !stt.Allowed {
		return s.denied(tid, userID, stt)
	}

	audio, err := fetch(ctx)
	if err != nil {
		return s.upstreamFailure(tid, userID, &UpstreamError{Service: ServiceDownload, Err: err}, msgUpstream)
	}
	text, err := s.stt.Recognize(ctx, audio)
	if err != nil {
		msg := msgUpstream
		if errors.Is(err, speech.ErrNotRecognized) {
			msg = msgNotRecognized
		}
		return s.upstreamFailure(tid, userID, &UpstreamError{Service: ServiceSTT, Err: err}, msg)
	}
	if r, ok := s.appendInbound(ctx, tid, userID, text, stt.Value); !ok {
		return r
	}

	answer, total, r, ok := s.ask(ctx, tid, userID)
	if !ok {
		return r
	}

	reply := Reply{Text: answer, Outcome: OutcomeOK}
	var symbols int64
	if d := s.enforcer.CheckTTS(ctx, userID, answer); !d.Allowed {
		log.Printf("🔇 [%s] tts denied for %d: %s", tid, userID, d.Reason)
		reply.Notice = d.Reason
	} else if voice, err := s.tts.Synthesize(ctx, answer); err != nil {
		log.Printf("❌ [%s] %v", tid, &UpstreamError{Service: ServiceTTS, Err: err})
		reply.Notice = msgTTSUnavailable
	} else {
		reply.Voice = voice
		symbols = d.Value
	}

	if _, err := s.store.Append(ctx, ledger.Event{
		UserID: userID, Message: answer, Role: ledger.RoleAssistant, TotalGPTTokens: total, TTSSymbols: symbols,
	}); err != nil {
		return s.storeFailure(tid, userID, "append answer", err)
	}
	log.Printf("✅ [%s] voice turn for %d done: voice=%t tts_symbols=%d total tokens %d",
		tid, userID, reply.Voice != nil, symbols, total)
	return reply
}

// appendInbound records the user's message. It carries the running token
// total forward so that the newest row always holds the current total.
func (s *Service) appendInbound(ctx context.Context, tid string, userID int64, text string, sttBlocks int64) (Reply, bool) {
	prior, err := s.history.LastN(ctx, userID)
	if err != nil {
		return s.storeFailure(tid, userID, "read window", err), false
	}
	if _, err := s.store.Append(ctx, ledger.Event{
		UserID:         userID,
		Message:        text,
		Role:           ledger.RoleUser,
		TotalGPTTokens: prior.TotalTokens,
		STTBlocks:      sttBlocks,
	}); err != nil {
		return s.storeFailure(tid, userID, "append inbound", err), false
	}
	return Reply{}, true
}

// ask rebuilds the context window, checks the token budget and calls the
// model. It returns the answer and the cumulative total to record with it.
func (s *Service) ask(ctx context.Context, tid string, userID int64) (string, int64, Reply, bool) {
	window, err := s.history.LastN(ctx, userID)
	if err != nil {
		return "", 0, s.storeFailure(tid, userID, "read window", err), false
	}
	prompt := window.Prompt(s.systemPrompt)
	d := s.enforcer.CheckGPT(window.TotalTokens, llm.EstimateTokens(prompt))
	if !d.Allowed {
		return "", 0, s.denied(tid, userID, d), false
	}

	resp, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		return "", 0, s.upstreamFailure(tid, userID, &UpstreamError{Service: ServiceLLM, Err: err}, msgUpstream), false
	}
	total := d.Value + llm.EstimateText(resp.Content)
	if resp.TotalTokens > 0 {
		total = window.TotalTokens + int64(resp.TotalTokens)
	}
	return resp.Content, total, Reply{}, true
}

func (s *Service) denied(tid string, userID int64, d quota.Decision) Reply {
	log.Printf("⛔ [%s] %s quota denied for %d (value %d)", tid, d.Kind, userID, d.Value)
	return Reply{Text: d.Reason, Outcome: OutcomeDenied}
}

func (s *Service) storeFailure(tid string, userID int64, op string, err error) Reply {
	log.Printf("❌ [%s] ledger %s failed for %d: %v", tid, op, userID, err)
	return Reply{Text: msgStoreFailure, Outcome: OutcomeStoreFailure}
}

func (s *Service) upstreamFailure(tid string, userID int64, err *UpstreamError, msg string) Reply {
	log.Printf("❌ [%s] upstream failure for %d: %v", tid, userID, err)
	return Reply{Text: msg, Outcome: OutcomeUpstreamFailure}
}

// Usage reports the user's spend and the limits it is measured against.
func (s *Service) Usage(ctx context.Context, userID int64) (ledger.UserUsage, quota.Limits, error) {
	u, err := s.store.UserUsage(ctx, userID)
	if err != nil {
		return ledger.UserUsage{}, quota.Limits{}, err
	}
	return u, s.enforcer.Limits(), nil
}

// ResetLedger removes every event. Admin only. It waits for open turns to
// finish.
func (s *Service) ResetLedger(ctx context.Context) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	log.Printf("🧹 ledger cleared")
	return nil
}
