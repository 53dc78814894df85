// Package balance reconciles fresh upstream readings against a historical
// baseline and maintains the persisted snapshot history for one entity.
package balance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/services/normalizer"
	"go.uber.org/zap"
)

// ErrEmptyExtraction marks a tick whose document produced zero symbols.
// Treated as a soft failure: the previous result stays live, nothing is
// persisted or broadcast.
var ErrEmptyExtraction = errors.New("normalizer yielded zero symbols")

// Fetcher provides the raw upstream balance document.
type Fetcher interface {
	FetchBalances(ctx context.Context) (any, error)
}

// Retention bounds the persisted snapshot history.
type Retention interface {
	EnforceSoftPolicy(ctx context.Context, entity string) error
	EnforceEmergencyPolicy(ctx context.Context, entity string) error
}

// Config holds the balance service knobs.
type Config struct {
	Entity           string
	ForceLookbackMin int
	OlderBaselineMin int
}

// Service runs one balance reconciliation per primary tick.
type Service struct {
	cfg       Config
	fetcher   Fetcher
	repo      domain.SnapshotRepository
	retention Retention
	logger    *zap.Logger

	// previous tick's holdings; only the primary tick goroutine touches it
	prev domain.HoldingsMap
}

// NewService creates a balance service.
func NewService(cfg Config, fetcher Fetcher, repo domain.SnapshotRepository, retention Retention, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		fetcher:   fetcher,
		repo:      repo,
		retention: retention,
		logger:    logger,
	}
}

// Initialize warms the in-process previous-holdings cache from the store so
// the first tick after a restart diffs against real history.
func (s *Service) Initialize(ctx context.Context) {
	loaded, err := s.repo.FindLatest(ctx, s.cfg.Entity)
	if err != nil {
		s.logger.Warn("failed to load previous snapshot", zap.Error(err))
		return
	}
	if len(loaded) > 0 {
		s.prev = loaded
		s.logger.Info("loaded previous snapshot", zap.Int("assets", len(loaded)))
	}
}

// Process executes one full reconciliation: soft retention, fetch, normalize,
// baseline selection, diff, persist (with a single emergency retry on
// capacity pressure), previous-cache update.
//
// A nil result means the tick failed and the caller must keep the previous
// payload. A non-nil result with a non-nil error means reconciliation
// succeeded but the snapshot was not persisted: the result is still valid
// for broadcast, the persisted history just shows a gap.
func (s *Service) Process(ctx context.Context) (*domain.TickResult, error) {
	now := time.Now().UTC()

	if s.retention != nil {
		if err := s.retention.EnforceSoftPolicy(ctx, s.cfg.Entity); err != nil {
			s.logger.Warn("retention policy enforcement failed", zap.Error(err))
		}
	}

	raw, err := s.fetcher.FetchBalances(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch balances")
	}

	current, priorFromSource := normalizer.Normalize(raw)
	if len(current) == 0 {
		return nil, ErrEmptyExtraction
	}

	baseline, baselineSource := s.selectBaseline(ctx, now, priorFromSource)
	rows := Diff(current, baseline)

	persistErr, fatal := s.persist(ctx, now, current)
	if fatal {
		// failed emergency cleanup, or a second consecutive capacity failure
		return nil, persistErr
	}

	s.prev = current

	result := &domain.TickResult{
		Timestamp:      now,
		Rows:           rows,
		BaselineSource: baselineSource,
		AssetCount:     len(current),
	}

	s.logger.Info("processed balances",
		zap.Time("timestamp", now),
		zap.Int("rows", len(rows)),
		zap.String("baseline", baselineSource))

	if persistErr != nil {
		return result, errors.Wrap(persistErr, "persist snapshot")
	}
	return result, nil
}

// selectBaseline walks the priority chain: configured lookback window
// (forced dominates when both are set), in-process previous holdings,
// latest persisted snapshot, source-embedded 24h-ago map. Returns nil with
// source "none" when nothing resolves; callers treat that as "all current
// assets are new".
func (s *Service) selectBaseline(ctx context.Context, now time.Time, priorFromSource domain.HoldingsMap) (domain.HoldingsMap, string) {
	lookbackMin, source := s.cfg.ForceLookbackMin, "forced-lookback"
	if lookbackMin <= 0 {
		lookbackMin, source = s.cfg.OlderBaselineMin, "older-baseline"
	}
	if lookbackMin > 0 {
		target := now.Add(-time.Duration(lookbackMin) * time.Minute)
		found, err := s.repo.FindAtOrBefore(ctx, s.cfg.Entity, target)
		if err != nil {
			s.logger.Warn("lookback baseline query failed", zap.Error(err))
		}
		if len(found) > 0 {
			s.logger.Debug("using lookback baseline",
				zap.Int("lookbackMinutes", lookbackMin),
				zap.Time("target", target))
			return found, source
		}
	}

	if len(s.prev) > 0 {
		return s.prev, "previous-scrape"
	}

	latest, err := s.repo.FindLatest(ctx, s.cfg.Entity)
	if err != nil {
		s.logger.Warn("latest snapshot query failed", zap.Error(err))
	}
	if len(latest) > 0 {
		return latest, "db-latest"
	}

	if len(priorFromSource) > 0 {
		return priorFromSource, "24h-ago"
	}

	return nil, "none"
}

// persist writes the snapshot, running the emergency retention tier and
// retrying exactly once when the store reports capacity pressure. The second
// return value marks failures that must fail the whole tick; a plain
// persistence error is survivable since reconciliation already succeeded.
func (s *Service) persist(ctx context.Context, ts time.Time, holdings domain.HoldingsMap) (error, bool) {
	err := s.repo.Create(ctx, s.cfg.Entity, ts, holdings)
	if err == nil || !errors.Is(err, domain.ErrCapacity) {
		return err, false
	}

	if s.retention == nil {
		return err, true
	}

	s.logger.Warn("store full, attempting emergency cleanup")
	if cleanupErr := s.retention.EnforceEmergencyPolicy(ctx, s.cfg.Entity); cleanupErr != nil {
		return errors.Wrap(cleanupErr, "emergency cleanup"), true
	}

	if err := s.repo.Create(ctx, s.cfg.Entity, ts, holdings); err != nil {
		return err, true
	}
	s.logger.Info("snapshot saved after emergency cleanup")
	return nil, false
}
