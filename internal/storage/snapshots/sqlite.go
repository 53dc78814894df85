// Package snapshots implements the snapshot repository on SQLite.
// Holdings are child rows of their snapshot and amounts are stored as text
// so decimal values round-trip exactly.
package snapshots

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT    NOT NULL,
	ts     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_entity_ts ON snapshots (entity, ts);

CREATE TABLE IF NOT EXISTS holdings (
	snapshot_id INTEGER NOT NULL REFERENCES snapshots (id),
	symbol      TEXT    NOT NULL,
	amount      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holdings_snapshot ON holdings (snapshot_id);
`

// Store is a SQLite-backed snapshot repository.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (and if needed initializes) the snapshot database.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot db")
	}
	// single writer keeps SQLITE_BUSY out of the tick path
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create snapshot schema")
	}

	logger.Info("snapshot store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Ping verifies the store is reachable; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindLatest returns the newest snapshot's holdings for the entity.
func (s *Store) FindLatest(ctx context.Context, entity string) (domain.HoldingsMap, error) {
	return s.findOne(ctx,
		`SELECT id FROM snapshots WHERE entity = ? ORDER BY ts DESC, id DESC LIMIT 1`,
		entity)
}

// FindAtOrBefore returns the newest snapshot taken at or before ts.
func (s *Store) FindAtOrBefore(ctx context.Context, entity string, ts time.Time) (domain.HoldingsMap, error) {
	return s.findOne(ctx,
		`SELECT id FROM snapshots WHERE entity = ? AND ts <= ? ORDER BY ts DESC, id DESC LIMIT 1`,
		entity, ts.UnixMilli())
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (domain.HoldingsMap, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query snapshot")
	}
	return s.loadHoldings(ctx, id)
}

func (s *Store) loadHoldings(ctx context.Context, snapshotID int64) (domain.HoldingsMap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, amount FROM holdings WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, errors.Wrap(err, "query holdings")
	}
	defer rows.Close()

	holdings := make(domain.HoldingsMap)
	for rows.Next() {
		var symbol, amountStr string
		if err := rows.Scan(&symbol, &amountStr); err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			s.logger.Warn("skipping corrupt holding amount",
				zap.String("symbol", symbol), zap.String("amount", amountStr))
			continue
		}
		holdings[symbol] = amount
	}
	return holdings, rows.Err()
}

// Create persists a new snapshot with its holdings in one transaction.
// Storage pressure surfaces as domain.ErrCapacity.
func (s *Store) Create(ctx context.Context, entity string, ts time.Time, holdings domain.HoldingsMap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapCapacity(err, "begin snapshot tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (entity, ts) VALUES (?, ?)`, entity, ts.UnixMilli())
	if err != nil {
		return wrapCapacity(err, "insert snapshot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "snapshot id")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO holdings (snapshot_id, symbol, amount) VALUES (?, ?, ?)`)
	if err != nil {
		return wrapCapacity(err, "prepare holdings insert")
	}
	defer stmt.Close()

	for symbol, amount := range holdings {
		if _, err := stmt.ExecContext(ctx, id, symbol, amount.String()); err != nil {
			return wrapCapacity(err, "insert holding")
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapCapacity(err, "commit snapshot")
	}

	s.logger.Debug("created snapshot",
		zap.String("entity", entity),
		zap.Time("ts", ts),
		zap.Int("symbols", len(holdings)))
	return nil
}

// Count reports how many snapshots the entity has.
func (s *Store) Count(ctx context.Context, entity string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE entity = ?`, entity).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count snapshots")
	}
	return count, nil
}

// DeleteOldest removes up to n oldest snapshots for the entity, deleting
// holdings before their parent rows.
func (s *Store) DeleteOldest(ctx context.Context, entity string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin delete tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM snapshots WHERE entity = ? ORDER BY ts ASC, id ASC LIMIT ?`, entity, n)
	if err != nil {
		return 0, errors.Wrap(err, "query oldest snapshots")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan snapshot id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate oldest snapshots")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE snapshot_id = ?`, id); err != nil {
			return 0, errors.Wrap(err, "delete holdings")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
			return 0, errors.Wrap(err, "delete snapshot")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit delete")
	}

	s.logger.Info("deleted oldest snapshots",
		zap.String("entity", entity),
		zap.Int("count", len(ids)))
	return len(ids), nil
}

// wrapCapacity maps the driver's storage-full failures onto
// domain.ErrCapacity so the balance service can trigger the emergency tier.
func wrapCapacity(err error, msg string) error {
	if isCapacityError(err) {
		return errors.Wrap(domain.ErrCapacity, err.Error())
	}
	return errors.Wrap(err, msg)
}

func isCapacityError(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	return strings.Contains(text, "database or disk is full") ||
		strings.Contains(text, "size limit")
}
