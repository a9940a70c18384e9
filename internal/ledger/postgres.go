package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id               BIGSERIAL PRIMARY KEY,
	user_id          BIGINT NOT NULL,
	message          TEXT,
	role             TEXT CHECK (role IS NULL OR role IN ('user', 'assistant')),
	total_gpt_tokens BIGINT NOT NULL DEFAULT 0,
	tts_symbols      BIGINT NOT NULL DEFAULT 0,
	stt_blocks       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ledger_events_user_idx ON ledger_events (user_id, id);
`

const (
	pgInsert = `INSERT INTO ledger_events
		(user_id, message, role, total_gpt_tokens, tts_symbols, stt_blocks)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	pgExists        = `SELECT EXISTS(SELECT 1 FROM ledger_events WHERE user_id = $1)`
	pgClear         = `DELETE FROM ledger_events`
	pgCountDistinct = `SELECT COUNT(DISTINCT user_id) FROM ledger_events WHERE user_id <> $1`
	pgLastN         = `SELECT id, user_id, message, role, total_gpt_tokens, tts_symbols, stt_blocks
		FROM ledger_events WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	pgUsageColumns = `SELECT user_id, COUNT(role), COALESCE(MAX(total_gpt_tokens), 0)::BIGINT,
		COALESCE(SUM(tts_symbols), 0)::BIGINT, COALESCE(SUM(stt_blocks), 0)::BIGINT FROM ledger_events`
	pgUserUsage = pgUsageColumns + ` WHERE user_id = $1 GROUP BY user_id`
	pgUsage     = pgUsageColumns + ` GROUP BY user_id ORDER BY user_id`
)

var pgSums = map[Resource]string{
	ResourceTTSSymbols: `SELECT COALESCE(SUM(tts_symbols), 0)::BIGINT FROM ledger_events WHERE user_id = $1`,
	ResourceSTTBlocks:  `SELECT COALESCE(SUM(stt_blocks), 0)::BIGINT FROM ledger_events WHERE user_id = $1`,
}

// PostgresStore keeps the ledger in PostgreSQL. Ids come from a BIGSERIAL
// so insertion order is preserved the same way as in SQLite.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

type PostgresConfig struct {
	URL      string
	PoolSize int
	Logger   *slog.Logger
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, storeErr("open", fmt.Errorf("database url is required"))
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if cfg.PoolSize > 0 {
		pcfg.MaxConns = int32(cfg.PoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr("ping", err)
	}
	return NewPostgres(pool, cfg.Logger), nil
}

// NewPostgres wraps an existing pool. Close closes the pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) fail(op string, err error) error {
	s.logger.Error("ledger operation failed", "op", op, "error", err)
	return storeErr(op, err)
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return s.fail("ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, pgInsert,
		e.UserID, nullable(e.Message), nullable(string(e.Role)), e.TotalGPTTokens, e.TTSSymbols, e.STTBlocks,
	).Scan(&id)
	if err != nil {
		return 0, s.fail("append", err)
	}
	s.logger.Debug("ledger append", "id", id, "user_id", e.UserID, "role", string(e.Role),
		"total_gpt_tokens", e.TotalGPTTokens, "tts_symbols", e.TTSSymbols, "stt_blocks", e.STTBlocks)
	return id, nil
}

func (s *PostgresStore) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, pgExists, userID).Scan(&exists); err != nil {
		return false, s.fail("exists", err)
	}
	return exists, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgClear); err != nil {
		return s.fail("clear", err)
	}
	s.logger.Warn("ledger cleared")
	return nil
}

func (s *PostgresStore) SumResource(ctx context.Context, userID int64, resource Resource) (int64, error) {
	query, ok := pgSums[resource]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, s.fail("sum "+string(resource), err)
	}
	return total, nil
}

func (s *PostgresStore) CountDistinctUsers(ctx context.Context, excluding int64) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, pgCountDistinct, excluding).Scan(&n); err != nil {
		return 0, s.fail("count distinct users", err)
	}
	return n, nil
}

func (s *PostgresStore) LastN(ctx context.Context, userID int64, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, pgLastN, userID, n)
	if err != nil {
		return nil, s.fail("last n", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e             Event
			message, role *string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &message, &role, &e.TotalGPTTokens, &e.TTSSymbols, &e.STTBlocks); err != nil {
			return nil, s.fail("last n", err)
		}
		if message != nil {
			e.Message = *message
		}
		if role != nil {
			e.Role = Role(*role)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("last n", err)
	}
	reverse(events)
	return events, nil
}

func (s *PostgresStore) UserUsage(ctx context.Context, userID int64) (UserUsage, error) {
	var u UserUsage
	err := s.pool.QueryRow(ctx, pgUserUsage, userID).
		Scan(&u.UserID, &u.Messages, &u.GPTTokens, &u.TTSSymbols, &u.STTBlocks)
	if err == pgx.ErrNoRows {
		return UserUsage{UserID: userID}, nil
	}
	if err != nil {
		return UserUsage{}, s.fail("user usage", err)
	}
	return u, nil
}

func (s *PostgresStore) Usage(ctx context.Context) ([]UserUsage, error) {
	rows, err := s.pool.Query(ctx, pgUsage)
	if err != nil {
		return nil, s.fail("usage", err)
	}
	defer rows.Close()

	var out []UserUsage
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.Messages, &u.GPTTokens, &u.TTSSymbols, &u.STTBlocks); err != nil {
			return nil, s.fail("usage", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("usage", err)
	}
	return out, nil
}
