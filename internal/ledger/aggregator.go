package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// FailMode decides what an aggregation returns when the store read fails.
type FailMode string

const (
	// FailOpen treats a failed read as nothing spent. It can under-enforce
	// on transient failures.
	FailOpen FailMode = "open"
	// FailClosed surfaces the failure so the caller denies the request.
	FailClosed FailMode = "closed"
)

// ParseFailMode validates a configured mode.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailOpen, FailClosed:
		return FailMode(s), nil
	case "":
		return FailOpen, nil
	}
	return "", fmt.Errorf("ledger: unknown fail mode %q", s)
}

// Aggregator derives resource totals from the store on every call. It
// applies the configured FailMode to read failures and logs each of them.
type Aggregator struct {
	store  Reader
	mode   FailMode
	logger *slog.Logger
}

func NewAggregator(store Reader, mode FailMode, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if mode == "" {
		mode = FailOpen
	}
	return &Aggregator{store: store, mode: mode, logger: logger}
}

// Mode returns the failure policy in effect.
func (a *Aggregator) Mode() FailMode { return a.mode }

// SumResource returns the all-time sum of resource for the user. Users
// without rows have spent 0.
func (a *Aggregator) SumResource(ctx context.Context, userID int64, resource Resource) (int64, error) {
	if !resource.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	total, err := a.store.SumResource(ctx, userID, resource)
	if err != nil {
		return a.fail(err, "sum resource", "user_id", userID, "resource", string(resource))
	}
	return total, nil
}

// CountDistinctUsers returns how many users other than excluding have rows.
func (a *Aggregator) CountDistinctUsers(ctx context.Context, excluding int64) (int64, error) {
	n, err := a.store.CountDistinctUsers(ctx, excluding)
	if err != nil {
		return a.fail(err, "count distinct users", "excluding", excluding)
	}
	return n, nil
}

func (a *Aggregator) fail(err error, what string, attrs ...any) (int64, error) {
	attrs = append(attrs, "error", err, "fail_mode", string(a.mode))
	a.logger.Error("aggregation failed: "+what, attrs...)
	if a.mode == FailClosed {
		return 0, err
	}
	return 0, nil
}
