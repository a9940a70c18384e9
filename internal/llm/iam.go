package llm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Morwran/yagpt"
)

// IAM tokens live for 12 hours; refresh well before that.
const iamRefreshInterval = time.Hour

// TokenSource yields a bearer token for Yandex Cloud APIs. It is shared by
// the YandexGPT client and SpeechKit.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed IAM token, e.g. from the metadata service.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("empty iam token")
	}
	return string(t), nil
}

// IAMSource exchanges an OAuth token for IAM tokens and caches the result.
type IAMSource struct {
	mu        sync.Mutex
	oauth     string
	token     string
	fetchedAt time.Time
	now       func() time.Time
	create    func(oauth string) (string, error)
}

func NewIAMSource(oauthToken string) *IAMSource {
	return &IAMSource{oauth: oauthToken, now: time.Now, create: createIAMToken}
}

func createIAMToken(oauth string) (string, error) {
	iam, err := yagpt.NewYaIam(oauth)
	if err != nil {
		return "", fmt.Errorf("failed to init yandex iam: %w", err)
	}
	resp, err := iam.Create()
	if err != nil {
		return "", fmt.Errorf("failed to create iam token: %w", err)
	}
	return resp.IamToken, nil
}

func (s *IAMSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Sub(s.fetchedAt) < iamRefreshInterval {
		return s.token, nil
	}
	tok, err := s.create(s.oauth)
	if err != nil {
		if s.token != "" {
			// Still valid for hours; keep serving it.
			log.Printf("⚠️ IAM token refresh failed, reusing cached token: %v", err)
			return s.token, nil
		}
		return "", err
	}
	s.token = tok
	s.fetchedAt = s.now()
	log.Printf("🔑 IAM token refreshed")
	return tok, nil
}
