package turn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-voicebot/internal/history"
	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/llm"
	"ai-voicebot/internal/quota"
	"ai-voicebot/internal/speech"
)

type fakeLLM struct {
	mu         sync.Mutex
	resp       llm.Response
	err        error
	prompt     []llm.Message
	onGenerate func()
}

func (f *fakeLLM) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	f.prompt = msgs
	hook := f.onGenerate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.resp, f.err
}

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Recognize(context.Context, []byte) (string, error) { return f.text, f.err }

type fakeTTS struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeTTS) Synthesize(context.Context, string) ([]byte, error) {
	f.calls++
	return f.audio, f.err
}

type env struct {
	svc   *Service
	store ledger.Store
	llm   *fakeLLM
	tts   *fakeTTS
}

func testLimits() quota.Limits {
	return quota.Limits{
		MaxUsers:        2,
		MaxGPTTokens:    1000,
		MaxTTSSymbols:   100,
		MaxSTTBlocks:    4,
		STTBlockSeconds: 15,
		MaxVoiceSeconds: 60,
	}
}

func newEnv(t *testing.T, limits quota.Limits, stt fakeSTT) *env {
	t.Helper()
	store, err := ledger.Open(context.Background(), ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &env{
		store: store,
		llm:   &fakeLLM{resp: llm.Response{Content: "ответ", TotalTokens: 30}},
		tts:   &fakeTTS{audio: []byte("OggS")},
	}
	e.svc = New(Config{
		Store:        store,
		Enforcer:     quota.NewEnforcer(ledger.NewAggregator(store, ledger.FailOpen, nil), limits),
		History:      history.NewBuilder(store, 4),
		LLM:          e.llm,
		STT:          stt,
		TTS:          e.tts,
		SystemPrompt: "system",
	})
	return e
}

func (e *env) events(t *testing.T, userID int64) []ledger.Event {
	t.Helper()
	events, err := e.store.LastN(context.Background(), userID, 100)
	require.NoError(t, err)
	return events
}

func audio(b []byte) AudioSource {
	return func(context.Context) ([]byte, error) { return b, nil }
}

func TestRegisterCreatesBootstrapRow(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()

	assert.Equal(t, OutcomeOK, e.svc.Register(ctx, 42).Outcome)
	assert.Equal(t, OutcomeOK, e.svc.Register(ctx, 42).Outcome)

	events := e.events(t, 42)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsRegistration())
}

func TestUserCap(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()
	require.Equal(t, OutcomeOK, e.svc.Register(ctx, 1).Outcome)
	require.Equal(t, OutcomeOK, e.svc.Register(ctx, 2).Outcome)

	r := e.svc.HandleText(ctx, 3, "hi")
	assert.Equal(t, OutcomeDenied, r.Outcome)
	assert.NotEmpty(t, r.Text)
	assert.Empty(t, e.events(t, 3))

	// Existing users are not subject to the cap.
	assert.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 1, "hi").Outcome)
}

func TestConcurrentRegistrationHonoursCap(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			if e.svc.Register(ctx, uid).Outcome == OutcomeOK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 2, ok)

	n, err := e.store.CountDistinctUsers(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHandleTextRecordsTurn(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()

	r := e.svc.HandleText(ctx, 7, "привет")
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Equal(t, "ответ", r.Text)
	assert.Nil(t, r.Voice)

	events := e.events(t, 7)
	require.Len(t, events, 3)
	assert.True(t, events[0].IsRegistration())
	assert.Equal(t, ledger.RoleUser, events[1].Role)
	assert.Equal(t, "привет", events[1].Message)
	assert.Equal(t, ledger.RoleAssistant, events[2].Role)
	assert.Equal(t, int64(30), events[2].TotalGPTTokens)

	// The prompt starts with the system prompt and skips the bootstrap row.
	require.Len(t, e.llm.prompt, 2)
	assert.Equal(t, "system", e.llm.prompt[0].Role)
	assert.Equal(t, "привет", e.llm.prompt[1].Content)

	// Second turn carries the running total forward.
	require.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 7, "ещё").Outcome)
	events = e.events(t, 7)
	require.Len(t, events, 5)
	assert.Equal(t, int64(30), events[3].TotalGPTTokens)
	assert.Equal(t, int64(60), events[4].TotalGPTTokens)
}

func TestHandleTextWithoutReportedUsage(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	e.llm.resp = llm.Response{Content: "12345678"}
	ctx := context.Background()

	require.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 7, "abcd").Outcome)
	events := e.events(t, 7)
	prompt := []llm.Message{{Role: "system", Content: "system"}, {Role: "user", Content: "abcd"}}
	want := llm.EstimateTokens(prompt) + 2
	assert.Equal(t, want, events[len(events)-1].TotalGPTTokens)
}

func TestHandleTextGPTDenied(t *testing.T) {
	limits := testLimits()
	limits.MaxGPTTokens = 5
	e := newEnv(t, limits, fakeSTT{})

	r := e.svc.HandleText(context.Background(), 7, "a fairly long question for a tiny budget")
	assert.Equal(t, OutcomeDenied, r.Outcome)
	assert.Nil(t, e.llm.prompt)

	events := e.events(t, 7)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.RoleUser, events[1].Role)
}

func TestHandleTextLLMFailure(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	e.llm.err = errors.New("503")

	r := e.svc.HandleText(context.Background(), 7, "hi")
	assert.Equal(t, OutcomeUpstreamFailure, r.Outcome)

	events := e.events(t, 7)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.RoleUser, events[1].Role)
}

func TestHandleVoiceRecordsBlocksAndSymbols(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{text: "вопрос"})
	ctx := context.Background()

	r := e.svc.HandleVoice(ctx, 7, 20, audio([]byte("ogg")))
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Equal(t, []byte("OggS"), r.Voice)
	assert.Empty(t, r.Notice)

	events := e.events(t, 7)
	require.Len(t, events, 3)
	assert.Equal(t, "вопрос", events[1].Message)
	assert.Equal(t, int64(2), events[1].STTBlocks)
	assert.Equal(t, int64(5), events[2].TTSSymbols) // "ответ"

	blocks, err := e.store.SumResource(ctx, 7, ledger.ResourceSTTBlocks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), blocks)
}

func TestHandleVoiceSTTDeniedSkipsDownload(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{text: "вопрос"})
	ctx := context.Background()

	fetched := false
	fetch := func(context.Context) ([]byte, error) {
		fetched = true
		return nil, nil
	}
	// 4 blocks allowed: 3 then 2 more is over.
	require.Equal(t, OutcomeOK, e.svc.HandleVoice(ctx, 7, 45, audio(nil)).Outcome)
	r := e.svc.HandleVoice(ctx, 7, 30, fetch)
	assert.Equal(t, OutcomeDenied, r.Outcome)
	assert.False(t, fetched)

	// Exactly reaching the ceiling is allowed.
	assert.Equal(t, OutcomeOK, e.svc.HandleVoice(ctx, 7, 15, audio(nil)).Outcome)
}

func TestHandleVoiceTTSDeniedFallsBackToText(t *testing.T) {
	limits := testLimits()
	limits.MaxTTSSymbols = 3
	e := newEnv(t, limits, fakeSTT{text: "вопрос"})

	r := e.svc.HandleVoice(context.Background(), 7, 5, audio(nil))
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Nil(t, r.Voice)
	assert.Equal(t, "ответ", r.Text)
	assert.NotEmpty(t, r.Notice)
	assert.Zero(t, e.tts.calls)

	events := e.events(t, 7)
	assert.Zero(t, events[len(events)-1].TTSSymbols)
}

func TestHandleVoiceTTSFailure(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{text: "вопрос"})
	e.tts.err = errors.New("tts down")

	r := e.svc.HandleVoice(context.Background(), 7, 5, audio(nil))
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Nil(t, r.Voice)
	assert.Equal(t, msgTTSUnavailable, r.Notice)

	events := e.events(t, 7)
	assert.Zero(t, events[len(events)-1].TTSSymbols)
}

func TestHandleVoiceNotRecognized(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{err: fmt.Errorf("wrap: %w", speech.ErrNotRecognized)})

	r := e.svc.HandleVoice(context.Background(), 7, 5, audio(nil))
	assert.Equal(t, OutcomeUpstreamFailure, r.Outcome)
	assert.Equal(t, msgNotRecognized, r.Text)
	require.Len(t, e.events(t, 7), 1)
}

func TestHandleVoiceDownloadFailure(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{text: "x"})
	fetch := func(context.Context) ([]byte, error) { return nil, errors.New("404") }

	r := e.svc.HandleVoice(context.Background(), 7, 5, fetch)
	assert.Equal(t, OutcomeUpstreamFailure, r.Outcome)
}

func TestStoreFailureAbortsTurn(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	require.NoError(t, e.store.Close())

	r := e.svc.HandleText(context.Background(), 7, "hi")
	assert.Equal(t, OutcomeStoreFailure, r.Outcome)
	assert.Equal(t, msgStoreFailure, r.Text)
	assert.Nil(t, e.llm.prompt)
}

func TestUsageAndReset(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{text: "вопрос"})
	ctx := context.Background()
	require.Equal(t, OutcomeOK, e.svc.HandleVoice(ctx, 7, 5, audio(nil)).Outcome)

	u, limits, err := e.svc.Usage(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Messages)
	assert.Equal(t, int64(1), u.STTBlocks)
	assert.Equal(t, testLimits(), limits)

	require.NoError(t, e.svc.ResetLedger(ctx))
	assert.Empty(t, e.events(t, 7))
}

func TestResetWaitsForOpenTurn(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()

	done := make(chan error, 1)
	e.llm.onGenerate = func() {
		go func() { done <- e.svc.ResetLedger(ctx) }()
		select {
		case err := <-done:
			t.Errorf("reset finished while a turn was open (err=%v)", err)
			done <- err
		case <-time.After(50 * time.Millisecond):
		}
	}
	require.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 9, "hi").Outcome)
	require.NoError(t, <-done)
	assert.Empty(t, e.events(t, 9))

	// After the reset the user is registered again before anything else.
	e.llm.onGenerate = nil
	require.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 9, "again").Outcome)
	events := e.events(t, 9)
	require.Len(t, events, 3)
	assert.True(t, events[0].IsRegistration())
	assert.Equal(t, ledger.RoleUser, events[1].Role)
}

func TestDeniedRunKeepsWindowTotal(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()
	e.llm.resp = llm.Response{Content: "ответ", TotalTokens: 990}

	require.Equal(t, OutcomeOK, e.svc.HandleText(ctx, 7, "первый").Outcome)
	for i := 0; i < 6; i++ {
		r := e.svc.HandleText(ctx, 7, fmt.Sprintf("вопрос %d", i))
		require.Equal(t, OutcomeDenied, r.Outcome, "turn %d", i)
	}

	// The assistant row is out of the window by now.
	window, err := history.NewBuilder(e.store, 4).LastN(ctx, 7)
	require.NoError(t, err)
	for _, entry := range window.Entries {
		assert.Equal(t, ledger.RoleUser, entry.Role)
	}
	assert.Equal(t, int64(990), window.TotalTokens)
}

func TestKnownUserSkipsRegistrationLock(t *testing.T) {
	e := newEnv(t, testLimits(), fakeSTT{})
	ctx := context.Background()
	require.Equal(t, OutcomeOK, e.svc.Register(ctx, 7).Outcome)

	e.svc.regMu.Lock()
	defer e.svc.regMu.Unlock()

	done := make(chan Outcome, 1)
	go func() { done <- e.svc.HandleText(ctx, 7, "hi").Outcome }()
	select {
	case o := <-done:
		assert.Equal(t, OutcomeOK, o)
	case <-time.After(2 * time.Second):
		t.Fatal("known user blocked on registration")
	}
}

func TestUpstreamErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := error(&UpstreamError{Service: ServiceLLM, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "llm: boom", err.Error())
	assert.Equal(t, "store_failure", OutcomeStoreFailure.String())
}
