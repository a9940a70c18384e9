package turn

import "fmt"

// Upstream service names used in UpstreamError.
const (
	ServiceSTT      = "stt"
	ServiceLLM      = "llm"
	ServiceTTS      = "tts"
	ServiceDownload = "download"
)

// UpstreamError is a failed call to an external service during a turn.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
