package ledger

// Role tags who produced an event's message. The registration row carries
// no role.
type Role string

const (
	RoleNone      Role = ""
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is one immutable ledger row.
//
// TotalGPTTokens is a running total for the user as of this event, not a
// per-event delta. Readers reconstruct the current total by taking the
// maximum over a window of rows, never the sum. User rows repeat the total
// of the window they were appended to, so the newest row always holds the
// current total. Only the registration row starts at zero.
type Event struct {
	ID             int64
	UserID         int64
	Message        string
	Role           Role
	TotalGPTTokens int64
	TTSSymbols     int64
	STTBlocks      int64
}

// Registration returns the bootstrap row written once at a user's first contact.
func Registration(userID int64) Event {
	return Event{UserID: userID}
}

// IsRegistration reports whether e is a bootstrap row.
func (e Event) IsRegistration() bool {
	return e.Role == RoleNone && e.Message == ""
}

// Resource names a summable per-event column.
type Resource string

const (
	ResourceTTSSymbols Resource = "tts_symbols"
	ResourceSTTBlocks  Resource = "stt_blocks"
)

// Valid reports whether r is one of the known resource columns.
func (r Resource) Valid() bool {
	switch r {
	case ResourceTTSSymbols, ResourceSTTBlocks:
		return true
	}
	return false
}

// UserUsage is the derived spend of one user across the whole ledger.
type UserUsage struct {
	UserID     int64 `json:"user_id"`
	Messages   int64 `json:"messages"`
	GPTTokens  int64 `json:"gpt_tokens"`
	TTSSymbols int64 `json:"tts_symbols"`
	STTBlocks  int64 `json:"stt_blocks"`
}
