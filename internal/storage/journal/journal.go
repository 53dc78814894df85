// Package journal keeps an append-only record of tick outcomes in a WAL,
// serving the dashboard's recent-activity list across restarts.
package journal

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultDir   = "./wal/ticks"
	segmentLimit = 1000
	maxSegments  = 50
	keyPrefix    = "tick_"
)

// TickRecord summarizes one completed primary tick.
type TickRecord struct {
	Timestamp   time.Time `json:"ts"`
	Entity      string    `json:"entity"`
	Rows        int       `json:"rows"`
	TotalAssets int       `json:"totalAssets"`
	Baseline    string    `json:"baseline"`
	Persisted   bool      `json:"persisted"`
}

// Store persists tick records in a WAL.
type Store struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// New initializes a WAL-backed tick journal under the provided directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "journal_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: false,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init tick journal WAL")
	}
	return &Store{wal: wal}, nil
}

// Append writes one tick record.
func (s *Store) Append(rec TickRecord) error {
	if s == nil || s.wal == nil {
		return errors.New("tick journal is not initialized")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal tick record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.wal.CurrentIndex() + 1
	return s.wal.Write(next, keyPrefix+rec.Entity, payload)
}

// Recent returns up to limit most recent tick records, newest first.
func (s *Store) Recent(limit int) ([]TickRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("tick journal is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]TickRecord, 0, limit)
	current := s.wal.CurrentIndex()
	for idx := current; idx > 0 && len(records) < limit; idx-- {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		var rec TickRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, errors.Wrap(err, "decode tick record")
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
