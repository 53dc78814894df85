// Package retention bounds the persisted snapshot history per entity.
// Two tiers: a soft ceiling enforced before every primary tick's write, and
// an emergency floor used only when the store reports capacity pressure.
package retention

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/metrics"
	"go.uber.org/zap"
)

// Manager enforces the retention policy against a snapshot repository.
type Manager struct {
	repo    domain.SnapshotRepository
	metrics *metrics.Metrics

	// maxSnapshots is the soft ceiling, minSnapshots the hard floor.
	// Invariant: minSnapshots < maxSnapshots; no tier ever deletes below
	// the floor.
	maxSnapshots int
	minSnapshots int

	logger *zap.Logger
}

// Stats describes current retention utilization for one entity.
type Stats struct {
	Current      int     `json:"current"`
	Max          int     `json:"max"`
	Min          int     `json:"min"`
	Utilization  float64 `json:"utilization"`
	NeedsCleanup bool    `json:"needsCleanup"`
	NearLimit    bool    `json:"nearLimit"`
}

// NewManager creates a retention manager. metrics may be nil.
func NewManager(repo domain.SnapshotRepository, maxSnapshots, minSnapshots int, mtr *metrics.Metrics, logger *zap.Logger) *Manager {
	m := &Manager{
		repo:         repo,
		metrics:      mtr,
		maxSnapshots: maxSnapshots,
		minSnapshots: minSnapshots,
		logger:       logger,
	}
	logger.Info("retention policy initialized",
		zap.Int("maxSnapshots", maxSnapshots),
		zap.Int("minSnapshots", minSnapshots))
	return m
}

// EnforceSoftPolicy deletes exactly count-max oldest snapshots when the
// ceiling is exceeded, and is a no-op otherwise.
func (m *Manager) EnforceSoftPolicy(ctx context.Context, entity string) error {
	count, err := m.repo.Count(ctx, entity)
	if err != nil {
		return errors.Wrap(err, "count snapshots")
	}
	m.observeCount(count)

	if count <= m.maxSnapshots {
		return nil
	}

	excess := count - m.maxSnapshots
	m.logger.Info("retention policy triggered",
		zap.String("entity", entity),
		zap.Int("current", count),
		zap.Int("max", m.maxSnapshots),
		zap.Int("willDelete", excess))

	deleted, err := m.repo.DeleteOldest(ctx, entity, excess)
	if err != nil {
		return errors.Wrap(err, "delete oldest snapshots")
	}

	m.observeCount(count - deleted)
	m.logger.Info("retention cleanup completed",
		zap.Int("deleted", deleted),
		zap.Int("remaining", count-deleted))
	return nil
}

func (m *Manager) observeCount(count int) {
	if m.metrics != nil {
		m.metrics.SnapshotCount.Set(float64(count))
	}
}

// EnforceEmergencyPolicy trims the history down to the configured floor.
// Invoked only when a snapshot write failed with a capacity signal; the
// caller retries the write exactly once afterwards.
func (m *Manager) EnforceEmergencyPolicy(ctx context.Context, entity string) error {
	count, err := m.repo.Count(ctx, entity)
	if err != nil {
		return errors.Wrap(err, "count snapshots")
	}

	excess := count - m.minSnapshots
	if excess <= 0 {
		m.logger.Warn("emergency cleanup: nothing to delete", zap.Int("count", count))
		return nil
	}

	m.logger.Warn("emergency cleanup triggered",
		zap.String("entity", entity),
		zap.Int("current", count),
		zap.Int("willDelete", excess),
		zap.Int("willKeep", m.minSnapshots))

	deleted, err := m.repo.DeleteOldest(ctx, entity, excess)
	if err != nil {
		return errors.Wrap(err, "delete oldest snapshots")
	}

	m.observeCount(count - deleted)
	m.logger.Info("emergency cleanup completed",
		zap.Int("deleted", deleted),
		zap.Int("remaining", count-deleted))
	return nil
}

// GetStats reports current utilization against the configured bounds.
func (m *Manager) GetStats(ctx context.Context, entity string) (Stats, error) {
	count, err := m.repo.Count(ctx, entity)
	if err != nil {
		return Stats{}, errors.Wrap(err, "count snapshots")
	}
	return Stats{
		Current:      count,
		Max:          m.maxSnapshots,
		Min:          m.minSnapshots,
		Utilization:  float64(count) / float64(m.maxSnapshots) * 100,
		NeedsCleanup: count > m.maxSnapshots,
		NearLimit:    float64(count) > float64(m.maxSnapshots)*0.8,
	}, nil
}
