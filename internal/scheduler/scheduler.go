// Package scheduler drives the two periodic ticks and owns the single live
// CurrentResult. The primary tick replaces the result wholesale; the
// secondary tick patches only its transfer aggregates. Readers get copies,
// never the live instance.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/metrics"
	"github.com/vkuzmin/entitytrack/internal/services/balance"
	"github.com/vkuzmin/entitytrack/internal/storage/journal"
	"go.uber.org/zap"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// BalanceProcessor runs one primary-tick reconciliation.
type BalanceProcessor interface {
	Process(ctx context.Context) (*domain.TickResult, error)
}

// TransferAggregator computes ranked transfer aggregates since an instant.
type TransferAggregator interface {
	TopTransfersSince(ctx context.Context, since time.Time) ([]domain.AggregateRow, error)
}

// Broadcaster pushes a payload to live subscribers, fire and forget.
type Broadcaster interface {
	Broadcast(res *domain.CurrentResult)
}

// TickJournal records completed primary ticks.
type TickJournal interface {
	Append(rec journal.TickRecord) error
}

// Config holds scheduler cadence settings.
type Config struct {
	Entity            string
	BalancesInterval  time.Duration
	TransfersInterval time.Duration
	// TransferFallbackLookback bounds the first secondary tick before any
	// primary tick has succeeded.
	TransferFallbackLookback time.Duration
}

// Scheduler owns the live CurrentResult and the two tick loops.
type Scheduler struct {
	cfg         Config
	balances    BalanceProcessor
	transfers   TransferAggregator
	broadcaster Broadcaster
	journal     TickJournal
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu            sync.RWMutex
	current       *domain.CurrentResult
	lastPrimary   time.Time
	nextPrimaryAt time.Time

	wg sync.WaitGroup
}

// New creates a scheduler. journal, broadcaster and metrics may be nil.
func New(cfg Config, balances BalanceProcessor, transfers TransferAggregator,
	broadcaster Broadcaster, tickJournal TickJournal, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.TransferFallbackLookback <= 0 {
		cfg.TransferFallbackLookback = 20 * time.Minute
	}
	return &Scheduler{
		cfg:         cfg,
		balances:    balances,
		transfers:   transfers,
		broadcaster: broadcaster,
		journal:     tickJournal,
		metrics:     m,
		logger:      logger,
	}
}

// Run executes both ticks once, then keeps them running on their intervals
// until ctx is cancelled. Each loop re-arms its timer only after the tick
// body returns, so a slow tick delays the next one instead of overlapping it.
// Blocks until both loops have stopped, so callers may tear stores down
// right after Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		zap.Duration("balancesInterval", s.cfg.BalancesInterval),
		zap.Duration("transfersInterval", s.cfg.TransfersInterval))

	s.tickBalances(ctx)
	s.tickTransfers(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.BalancesInterval, s.tickBalances)
	go s.loop(ctx, s.cfg.TransfersInterval, s.tickTransfers)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tick(ctx)
			timer.Reset(interval)
		}
	}
}

// Latest returns a copy of the live result with a freshly recomputed
// countdown, or domain.ErrNoData before the first successful primary tick.
func (s *Scheduler) Latest() (*domain.CurrentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil, domain.ErrNoData
	}
	out := s.current.Clone()
	out.RecomputeCountdown(time.Now())
	return out, nil
}

// NextPrimaryAt reports when the next primary tick is due; zero before the
// first success. Used by the health endpoint.
func (s *Scheduler) NextPrimaryAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextPrimaryAt
}

// tickBalances is the primary tick: reconcile, swap the shared result,
// journal and broadcast. On any failure the previous result stays live, a
// partial or empty result is never published.
func (s *Scheduler) tickBalances(ctx context.Context) {
	start := time.Now()

	res, procErr := s.balances.Process(ctx)
	s.observe("balances", start, res != nil)

	if res == nil {
		if errors.Is(procErr, balance.ErrEmptyExtraction) {
			s.logger.Warn("balance tick skipped: empty snapshot parsed, keeping previous payload")
		} else {
			s.logger.Error("balance tick failed", zap.Error(procErr))
		}
		return
	}

	next := start.Add(s.cfg.BalancesInterval)
	top := res.Rows
	if len(top) > 100 {
		top = top[:100]
	}

	s.mu.Lock()
	payload := &domain.CurrentResult{
		Entity:        s.cfg.Entity,
		TS:            res.Timestamp.Format(isoMillis),
		Timestamp:     res.Timestamp.Format(isoMillis),
		Rows:          res.Rows,
		Top100:        top,
		TotalAssets:   res.AssetCount,
		IntervalMs:    s.cfg.BalancesInterval.Milliseconds(),
		Baseline:      res.BaselineSource,
		NextPrimaryAt: next,
	}
	if s.current != nil {
		payload.TransferTop100 = s.current.TransferTop100
	}
	payload.RecomputeCountdown(time.Now())
	s.current = payload
	s.nextPrimaryAt = next
	s.lastPrimary = start
	snapshot := payload.Clone()
	s.mu.Unlock()

	if s.journal != nil {
		rec := journal.TickRecord{
			Timestamp:   res.Timestamp,
			Entity:      s.cfg.Entity,
			Rows:        len(res.Rows),
			TotalAssets: res.AssetCount,
			Baseline:    res.BaselineSource,
			Persisted:   procErr == nil,
		}
		if err := s.journal.Append(rec); err != nil {
			s.logger.Warn("tick journal append failed", zap.Error(err))
		}
	}

	s.broadcast(snapshot)

	if procErr != nil {
		// reconciliation succeeded but the snapshot write did not; the
		// persisted history shows a gap for this tick
		s.logger.Error("balance tick completed without persistence", zap.Error(procErr))
		return
	}
	s.logger.Info("balance tick completed",
		zap.String("timestamp", snapshot.TS),
		zap.Int("rows", len(res.Rows)),
		zap.Int64("nextTickSec", snapshot.CountdownSec))
}

// tickTransfers is the secondary tick: aggregate transfers since the last
// successful primary tick and patch them onto the existing result. The
// result it observes may be several primary cycles stale; it always patches
// and never assumes freshness. Skips silently when no result exists yet.
func (s *Scheduler) tickTransfers(ctx context.Context) {
	start := time.Now()

	s.mu.RLock()
	since := s.lastPrimary
	s.mu.RUnlock()
	if since.IsZero() {
		since = start.Add(-s.cfg.TransferFallbackLookback)
	}

	rows, err := s.transfers.TopTransfersSince(ctx, since)
	s.observe("transfers", start, err == nil)
	if err != nil {
		s.logger.Error("transfer tick failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	s.current.TransferTop100 = rows
	s.current.RecomputeCountdown(time.Now())
	snapshot := s.current.Clone()
	s.mu.Unlock()

	s.broadcast(snapshot)

	s.logger.Info("transfer tick completed",
		zap.Int("topTransfers", len(rows)),
		zap.Time("since", since))
}

func (s *Scheduler) broadcast(snapshot *domain.CurrentResult) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(snapshot)
	if s.metrics != nil {
		s.metrics.BroadcastsTotal.Inc()
	}
}

func (s *Scheduler) observe(tickType string, start time.Time, ok bool) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	s.metrics.TicksTotal.WithLabelValues(tickType, outcome).Inc()
	s.metrics.TickDuration.WithLabelValues(tickType).Observe(time.Since(start).Seconds())
}
