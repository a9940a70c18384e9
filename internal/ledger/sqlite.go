package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"ai-voicebot/internal/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          INTEGER NOT NULL,
	message          TEXT,
	role             TEXT CHECK (role IS NULL OR role IN ('user', 'assistant')),
	total_gpt_tokens INTEGER NOT NULL DEFAULT 0,
	tts_symbols      INTEGER NOT NULL DEFAULT 0,
	stt_blocks       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ledger_events_user_idx ON ledger_events (user_id, id);
`

// Queries are fixed text; only values are bound.
const (
	sqliteInsert = `INSERT INTO ledger_events
		(user_id, message, role, total_gpt_tokens, tts_symbols, stt_blocks)
		VALUES (?, ?, ?, ?, ?, ?)`
	sqliteExists        = `SELECT EXISTS(SELECT 1 FROM ledger_events WHERE user_id = ?)`
	sqliteClear         = `DELETE FROM ledger_events`
	sqliteCountDistinct = `SELECT COUNT(DISTINCT user_id) FROM ledger_events WHERE user_id <> ?`
	sqliteLastN         = `SELECT id, user_id, message, role, total_gpt_tokens, tts_symbols, stt_blocks
		FROM ledger_events WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	sqliteUsageColumns = `SELECT user_id, COUNT(role), COALESCE(MAX(total_gpt_tokens), 0),
		COALESCE(SUM(tts_symbols), 0), COALESCE(SUM(stt_blocks), 0) FROM ledger_events`
	sqliteUserUsage = sqliteUsageColumns + ` WHERE user_id = ? GROUP BY user_id`
	sqliteUsage     = sqliteUsageColumns + ` GROUP BY user_id ORDER BY user_id`
)

var sqliteSums = map[Resource]string{
	ResourceTTSSymbols: `SELECT COALESCE(SUM(tts_symbols), 0) FROM ledger_events WHERE user_id = ?`,
	ResourceSTTBlocks:  `SELECT COALESCE(SUM(stt_blocks), 0) FROM ledger_events WHERE user_id = ?`,
}

// SQLiteStore is the default Store backed by a local SQLite file.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// OpenSQLite opens (creating if needed) the ledger database. Call
// EnsureSchema before first use.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, storeErr("open", err)
	}
	return &SQLiteStore{pool: pool, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// withConn runs fn on a pooled connection and turns any failure into a
// logged *StoreError.
func (s *SQLiteStore) withConn(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return s.fail(op, err)
	}
	defer s.pool.Put(conn)
	if err := fn(conn); err != nil {
		return s.fail(op, err)
	}
	return nil
}

func (s *SQLiteStore) fail(op string, err error) error {
	s.logger.Error("ledger operation failed", "op", op, "error", err)
	return storeErr(op, err)
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	return s.withConn(ctx, "ensure schema", func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	})
}

func (s *SQLiteStore) Append(ctx context.Context, e Event) (id int64, err error) {
	err = s.withConn(ctx, "append", func(conn *sqlite.Conn) (err error) {
		endTx, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTx(&err)
		err = sqlitex.Execute(conn, sqliteInsert, &sqlitex.ExecOptions{
			Args: []any{e.UserID, nullable(e.Message), nullable(string(e.Role)), e.TotalGPTTokens, e.TTSSymbols, e.STTBlocks},
		})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("ledger append", "id", id, "user_id", e.UserID, "role", string(e.Role),
		"total_gpt_tokens", e.TotalGPTTokens, "tts_symbols", e.TTSSymbols, "stt_blocks", e.STTBlocks)
	return id, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.withConn(ctx, "exists", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteExists, &sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	})
	return exists, err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	err := s.withConn(ctx, "clear", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteClear, nil)
	})
	if err == nil {
		s.logger.Warn("ledger cleared")
	}
	return err
}

func (s *SQLiteStore) SumResource(ctx context.Context, userID int64, resource Resource) (int64, error) {
	query, ok := sqliteSums[resource]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	var total int64
	err := s.withConn(ctx, "sum "+string(resource), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return total, err
}

func (s *SQLiteStore) CountDistinctUsers(ctx context.Context, excluding int64) (int64, error) {
	var n int64
	err := s.withConn(ctx, "count distinct users", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteCountDistinct, &sqlitex.ExecOptions{
			Args: []any{excluding},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return n, err
}

func (s *SQLiteStore) LastN(ctx context.Context, userID int64, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	var events []Event
	err := s.withConn(ctx, "last n", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteLastN, &sqlitex.ExecOptions{
			Args: []any{userID, n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, Event{
					ID:             stmt.ColumnInt64(0),
					UserID:         stmt.ColumnInt64(1),
					Message:        stmt.ColumnText(2),
					Role:           Role(stmt.ColumnText(3)),
					TotalGPTTokens: stmt.ColumnInt64(4),
					TTSSymbols:     stmt.ColumnInt64(5),
					STTBlocks:      stmt.ColumnInt64(6),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	reverse(events)
	return events, nil
}

func (s *SQLiteStore) UserUsage(ctx context.Context, userID int64) (UserUsage, error) {
	u := UserUsage{UserID: userID}
	err := s.withConn(ctx, "user usage", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteUserUsage, &sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				u = scanUsage(stmt)
				return nil
			},
		})
	})
	return u, err
}

func (s *SQLiteStore) Usage(ctx context.Context) ([]UserUsage, error) {
	var out []UserUsage
	err := s.withConn(ctx, "usage", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sqliteUsage, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanUsage(stmt))
				return nil
			},
		})
	})
	return out, err
}

func scanUsage(stmt *sqlite.Stmt) UserUsage {
	return UserUsage{
		UserID:     stmt.ColumnInt64(0),
		Messages:   stmt.ColumnInt64(1),
		GPTTokens:  stmt.ColumnInt64(2),
		TTSSymbols: stmt.ColumnInt64(3),
		STTBlocks:  stmt.ColumnInt64(4),
	}
}

func reverse(events []Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
