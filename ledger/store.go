package ledger

import (
	"context"
	"time"
)

// Store is the persistence boundary. Implementations only ever insert;
// there is no update or delete.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	InsertEquity(ctx context.Context, s EquitySample) error

	// ScanEntries calls fn for each entry in r in timestamp order until fn
	// returns false.
	ScanEntries(ctx context.Context, r CycleRange, fn func(Entry) bool) error
	// LatestByKey returns the most recent entry of kind for an
	// idempotency key.
	LatestByKey(ctx context.Context, kind Kind, key string) (Entry, bool, error)
	// EquitySamples returns the last limit samples in [from, to), oldest
	// first. limit <= 0 returns all of them.
	EquitySamples(ctx context.Context, from, to time.Time, limit int) ([]EquitySample, error)
	// LastTimestamp is the newest entry timestamp, zero when empty.
	LastTimestamp(ctx context.Context) (time.Time, error)

	Close() error
}
