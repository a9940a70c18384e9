package llm

// EstimateTokens approximates the prompt size of messages: about four
// bytes per token plus a small per-message and per-request overhead.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += EstimateText(m.Content) + 4
	}
	return total + 3
}

// EstimateText approximates the token count of a single text.
func EstimateText(s string) int64 {
	return int64(len(s)) / 4
}
