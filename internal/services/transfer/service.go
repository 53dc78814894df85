// Package transfer aggregates the entity's recent transfer flow into ranked
// per-symbol net USD deltas for the secondary tick.
package transfer

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/services/normalizer"
	"go.uber.org/zap"
)

const (
	pageSize  = 200
	maxOffset = 2000
	topN      = 100
)

// Fetcher provides pages of the raw upstream transfer feed.
type Fetcher interface {
	FetchTransfers(ctx context.Context, limit, offset int) (any, error)
	HasCompleteHeaders() bool
}

// Service computes top transfer aggregates for one entity.
type Service struct {
	fetcher Fetcher
	entity  string
	logger  *zap.Logger
}

// NewService creates a transfer service.
func NewService(fetcher Fetcher, entity string, logger *zap.Logger) *Service {
	return &Service{fetcher: fetcher, entity: entity, logger: logger}
}

// TopTransfersSince pages the transfer feed back to the given instant,
// aggregates net USD flow per symbol and returns the rows ranked by
// descending absolute net value, capped to the top 100. Skips silently
// (empty result) when the upstream headers are incomplete, since the feed
// rejects unauthenticated paging.
func (s *Service) TopTransfersSince(ctx context.Context, since time.Time) ([]domain.AggregateRow, error) {
	if !s.fetcher.HasCompleteHeaders() {
		s.logger.Warn("skipping transfer computation: incomplete upstream headers")
		return []domain.AggregateRow{}, nil
	}

	sinceMs := since.UnixMilli()

	var batch []domain.Transfer
	for offset := 0; offset <= maxOffset; offset += pageSize {
		raw, err := s.fetcher.FetchTransfers(ctx, pageSize, offset)
		if err != nil {
			return nil, errors.Wrap(err, "fetch transfers")
		}

		items := normalizer.NormalizeTransfers(raw, s.entity)
		if len(items) == 0 {
			break
		}
		batch = append(batch, items...)

		// feed is sorted newest first; stop once a page reaches past the cutoff
		if items[len(items)-1].TimestampMs < sinceMs {
			break
		}
		if len(items) < pageSize {
			break
		}
	}

	type bucket struct {
		usdDelta decimal.Decimal
		samples  int
	}
	buckets := make(map[string]*bucket)
	for _, t := range batch {
		if t.TimestampMs <= sinceMs {
			continue
		}
		b := buckets[t.Symbol]
		if b == nil {
			b = &bucket{}
			buckets[t.Symbol] = b
		}
		signed := t.USD
		if t.Direction < 0 {
			signed = signed.Neg()
		}
		b.usdDelta = b.usdDelta.Add(signed)
		b.samples++
	}

	rows := make([]domain.AggregateRow, 0, len(buckets))
	for sym, b := range buckets {
		rows = append(rows, domain.AggregateRow{
			Symbol:   sym,
			USDDelta: b.usdDelta,
			Samples:  b.samples,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if cmp := rows[i].USDDelta.Abs().Cmp(rows[j].USDDelta.Abs()); cmp != 0 {
			return cmp > 0
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	if len(rows) > topN {
		rows = rows[:topN]
	}

	s.logger.Info("computed top transfers",
		zap.Time("since", since),
		zap.Int("total", len(batch)),
		zap.Int("top", len(rows)))

	return rows, nil
}
