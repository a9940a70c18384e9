package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func appendAll(t *testing.T, s Store, events ...Event) {
	t.Helper()
	for _, e := range events {
		_, err := s.Append(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestRegistrationRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, 42)
	require.NoError(t, err)
	assert.False(t, exists)

	id, err := s.Append(ctx, Registration(42))
	require.NoError(t, err)
	assert.Positive(t, id)

	exists, err = s.Exists(ctx, 42)
	require.NoError(t, err)
	assert.True(t, exists)

	events, err := s.LastN(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsRegistration())
	assert.Equal(t, RoleNone, events[0].Role)
	assert.Zero(t, events[0].TotalGPTTokens)
	assert.Zero(t, events[0].TTSSymbols)
	assert.Zero(t, events[0].STTBlocks)

	for _, r := range []Resource{ResourceTTSSymbols, ResourceSTTBlocks} {
		sum, err := s.SumResource(ctx, 42, r)
		require.NoError(t, err)
		assert.Zero(t, sum, r)
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var prev int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, Event{UserID: 1, Message: "m", Role: RoleUser})
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestLastNOrderingAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	totals := []int64{0, 5, 5, 12, 12, 20}
	for i, total := range totals {
		e := Event{UserID: 7, Message: string(rune('a' + i)), Role: RoleUser, TotalGPTTokens: total}
		if i%2 == 1 {
			e.Role = RoleAssistant
		}
		appendAll(t, s, e)
	}
	// Foreign rows must not leak into the window.
	appendAll(t, s, Event{UserID: 8, Message: "x", Role: RoleUser, TotalGPTTokens: 100})

	events, err := s.LastN(ctx, 7, 4)
	require.NoError(t, err)
	require.Len(t, events, 4)
	var msgs []string
	for i, e := range events {
		msgs = append(msgs, e.Message)
		if i > 0 {
			assert.Less(t, events[i-1].ID, e.ID)
		}
	}
	assert.Equal(t, []string{"c", "d", "e", "f"}, msgs)
	assert.Equal(t, int64(20), events[3].TotalGPTTokens)

	all, err := s.LastN(ctx, 7, 100)
	require.NoError(t, err)
	assert.Len(t, all, len(totals))

	none, err := s.LastN(ctx, 9, 4)
	require.NoError(t, err)
	assert.Empty(t, none)

	zero, err := s.LastN(ctx, 7, 0)
	require.NoError(t, err)
	assert.Empty(t, zero)
}

func TestSumResourceDoubleAppendDoubleCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := Event{UserID: 3, Message: "hi", Role: RoleUser, STTBlocks: 2, TTSSymbols: 11}
	appendAll(t, s, Registration(3), e)

	blocks, err := s.SumResource(ctx, 3, ResourceSTTBlocks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), blocks)

	appendAll(t, s, e)
	blocks, err = s.SumResource(ctx, 3, ResourceSTTBlocks)
	require.NoError(t, err)
	assert.Equal(t, int64(4), blocks)

	symbols, err := s.SumResource(ctx, 3, ResourceTTSSymbols)
	require.NoError(t, err)
	assert.Equal(t, int64(22), symbols)
}

func TestSumResourceEmptyAndInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum, err := s.SumResource(ctx, 99, ResourceTTSSymbols)
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, err = s.SumResource(ctx, 99, Resource("total_gpt_tokens; DROP TABLE ledger_events"))
	assert.True(t, errors.Is(err, ErrInvalidResource))
}

func TestCountDistinctUsersExcludes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountDistinctUsers(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	appendAll(t, s,
		Registration(1),
		Event{UserID: 1, Message: "a", Role: RoleUser},
		Event{UserID: 1, Message: "b", Role: RoleAssistant},
		Registration(2),
		Registration(3),
	)

	n, err = s.CountDistinctUsers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountDistinctUsers(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendAll(t, s,
		Registration(1),
		Event{UserID: 1, Message: "q", Role: RoleUser, STTBlocks: 1, TotalGPTTokens: 10},
		Event{UserID: 1, Message: "a", Role: RoleAssistant, TTSSymbols: 30, TotalGPTTokens: 40},
		Registration(2),
	)

	u, err := s.UserUsage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, UserUsage{UserID: 1, Messages: 2, GPTTokens: 40, TTSSymbols: 30, STTBlocks: 1}, u)

	missing, err := s.UserUsage(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, UserUsage{UserID: 5}, missing)

	all, err := s.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].UserID)
	assert.Equal(t, UserUsage{UserID: 2}, all[1])
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	appendAll(t, s, Registration(1), Registration(2))
	require.NoError(t, s.Clear(ctx))

	exists, err := s.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpenCleanOnStart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	appendAll(t, s, Registration(1))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	exists, err := s.Exists(ctx, 1)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path, CleanOnStart: true})
	require.NoError(t, err)
	defer s.Close()
	exists, err = s.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	require.Error(t, err)
}

func TestClosedStoreReturnsStoreError(t *testing.T) {
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), Registration(1))
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)
}
