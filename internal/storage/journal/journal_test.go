package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(entity string, rows int, ts time.Time) TickRecord {
	return TickRecord{
		Timestamp:   ts,
		Entity:      entity,
		Rows:        rows,
		TotalAssets: rows,
		Baseline:    "previous-scrape",
		Persisted:   true,
	}
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestJournal(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(record("acme", i, base.Add(time.Duration(i)*time.Minute))))
	}

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	// newest first
	assert.Equal(t, 3, recent[0].Rows)
	assert.Equal(t, 1, recent[2].Rows)
	assert.Equal(t, "acme", recent[0].Entity)
	assert.True(t, recent[0].Persisted)
	assert.True(t, recent[0].Timestamp.Equal(base.Add(3*time.Minute)))
}

func TestStore_RecentHonorsLimit(t *testing.T) {
	store := newTestJournal(t)

	for i := 1; i <= 8; i++ {
		require.NoError(t, store.Append(record("acme", i, time.Now())))
	}

	recent, err := store.Recent(5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, 8, recent[0].Rows)
	assert.Equal(t, 4, recent[4].Rows)
}

func TestStore_RecentEmpty(t *testing.T) {
	store := newTestJournal(t)

	recent, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestStore_Uninitialized(t *testing.T) {
	var store *Store
	assert.Error(t, store.Append(TickRecord{}))
	_, err := store.Recent(1)
	assert.Error(t, err)
	assert.NoError(t, store.Close())
}
