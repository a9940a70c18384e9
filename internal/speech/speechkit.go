// Package speech talks to Yandex SpeechKit over its v1 REST API.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ai-voicebot/internal/llm"
)

const (
	defaultSTTURL = "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize"
	defaultTTSURL = "https://tts.api.cloud.yandex.net/speech/v1/tts:synthesize"

	DefaultLang  = "ru-RU"
	DefaultVoice = "filipp"
)

// ErrNotRecognized means SpeechKit answered but heard no speech.
var ErrNotRecognized = errors.New("speech not recognized")

type Recognizer interface {
	Recognize(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer returns OGG/Opus audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Config struct {
	FolderID string
	Lang     string
	Voice    string
	// STTURL and TTSURL override the public endpoints.
	STTURL string
	TTSURL string
}

// SpeechKit implements Recognizer and Synthesizer.
type SpeechKit struct {
	http   *http.Client
	tokens llm.TokenSource
	cfg    Config
}

func New(tokens llm.TokenSource, cfg Config) *SpeechKit {
	if cfg.Lang == "" {
		cfg.Lang = DefaultLang
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.STTURL == "" {
		cfg.STTURL = defaultSTTURL
	}
	if cfg.TTSURL == "" {
		cfg.TTSURL = defaultTTSURL
	}
	return &SpeechKit{
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		cfg:    cfg,
	}
}

type sttResponse struct {
	Result       string `json:"result"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (s *SpeechKit) Recognize(ctx context.Context, audio []byte) (string, error) {
	q := url.Values{}
	q.Set("topic", "general")
	q.Set("lang", s.cfg.Lang)
	if s.cfg.FolderID != "" {
		q.Set("folderId", s.cfg.FolderID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.STTURL+"?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	if err := s.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt call: %w", err)
	}
	defer resp.Body.Close()

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt decode (status %d): %w", resp.StatusCode, err)
	}
	if out.ErrorCode != "" {
		return "", fmt.Errorf("speechkit stt error %s: %s", out.ErrorCode, out.ErrorMessage)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("speechkit stt status %d", resp.StatusCode)
	}
	text := strings.TrimSpace(out.Result)
	if text == "" {
		return "", ErrNotRecognized
	}
	return text, nil
}

func (s *SpeechKit) Synthesize(ctx context.Context, text string) ([]byte, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("lang", s.cfg.Lang)
	form.Set("voice", s.cfg.Voice)
	form.Set("format", "oggopus")
	if s.cfg.FolderID != "" {
		form.Set("folderId", s.cfg.FolderID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TTSURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := s.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e sttResponse
		if json.Unmarshal(body, &e) == nil && e.ErrorCode != "" {
			return nil, fmt.Errorf("speechkit tts error %s: %s", e.ErrorCode, e.ErrorMessage)
		}
		return nil, fmt.Errorf("speechkit tts status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("speechkit tts returned no audio")
	}
	return body, nil
}

func (s *SpeechKit) authorize(ctx context.Context, req *http.Request) error {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("speechkit iam: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
