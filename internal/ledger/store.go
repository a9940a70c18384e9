package ledger

import "context"

// Reader is the read side of the ledger used by aggregation and context
// reconstruction.
type Reader interface {
	Exists(ctx context.Context, userID int64) (bool, error)
	SumResource(ctx context.Context, userID int64, resource Resource) (int64, error)
	CountDistinctUsers(ctx context.Context, excluding int64) (int64, error)
	// LastN returns up to n most recent events of the user, oldest first.
	LastN(ctx context.Context, userID int64, n int) ([]Event, error)
	UserUsage(ctx context.Context, userID int64) (UserUsage, error)
	Usage(ctx context.Context) ([]UserUsage, error)
}

// Store is the append-only per-user event log.
//
// Append is synchronous: once it returns nil the event is committed and
// visible to every subsequent read. There is no update path and no implicit
// deduplication. Clear is for administrative resets only.
// Implementations must be safe for concurrent use.
type Store interface {
	Reader
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, event Event) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
