// Package history rebuilds a user's recent conversation from the ledger.
package history

import (
	"context"
	"fmt"

	"ai-voicebot/internal/ledger"
	"ai-voicebot/internal/llm"
)

// DefaultSize is the number of events kept in a context window.
const DefaultSize = 4

type Entry struct {
	Text string
	Role ledger.Role
}

// Window is the bounded tail of a user's conversation, oldest first.
// TotalTokens is the cumulative token count as of the newest selected event.
type Window struct {
	Entries     []Entry
	TotalTokens int64
}

// Builder reads windows of a fixed size. The size cannot be chosen per call.
type Builder struct {
	store ledger.Reader
	size  int
}

func NewBuilder(store ledger.Reader, size int) *Builder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Builder{store: store, size: size}
}

func (b *Builder) Size() int { return b.size }

// LastN returns the Size() most recent events of the user. A user with no
// events gets an empty window and a zero total.
func (b *Builder) LastN(ctx context.Context, userID int64) (Window, error) {
	events, err := b.store.LastN(ctx, userID, b.size)
	if err != nil {
		return Window{}, fmt.Errorf("history: last %d for %d: %w", b.size, userID, err)
	}
	var w Window
	for _, e := range events {
		w.Entries = append(w.Entries, Entry{Text: e.Message, Role: e.Role})
		// Cumulative column: the window total is the max, never the sum.
		if e.TotalGPTTokens > w.TotalTokens {
			w.TotalTokens = e.TotalGPTTokens
		}
	}
	return w, nil
}

// Prompt renders the window as model input behind the system prompt.
// Registration rows carry no text and are skipped.
func (w Window) Prompt(systemPrompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(w.Entries)+1)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, e := range w.Entries {
		if e.Role == ledger.RoleNone || e.Text == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(e.Role), Content: e.Text})
	}
	return msgs
}
