package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrCapacity marks a snapshot write rejected for storage pressure.
// The balance service reacts with exactly one emergency cleanup and retry.
var ErrCapacity = errors.New("snapshot store capacity exceeded")

// ErrNoData is returned by accessors before the first successful tick.
var ErrNoData = errors.New("no data available yet")

// SnapshotRepository persists per-entity holdings history. Amounts round-trip
// exactly; snapshots are immutable once created and deleted oldest-first only.
type SnapshotRepository interface {
	// FindLatest returns the most recent snapshot for the entity, or nil
	// when the entity has no history.
	FindLatest(ctx context.Context, entity string) (HoldingsMap, error)
	// FindAtOrBefore returns the newest snapshot taken at or before ts,
	// or nil when none qualifies.
	FindAtOrBefore(ctx context.Context, entity string, ts time.Time) (HoldingsMap, error)
	// Create persists a new snapshot. Storage pressure surfaces as ErrCapacity.
	Create(ctx context.Context, entity string, ts time.Time, holdings HoldingsMap) error
	// Count reports the number of persisted snapshots for the entity.
	Count(ctx context.Context, entity string) (int, error)
	// DeleteOldest removes up to n oldest snapshots (children first) and
	// returns how many were deleted.
	DeleteOldest(ctx context.Context, entity string, n int) (int, error)
}
