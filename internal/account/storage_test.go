package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(DriverSQLite, filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func observe(t *testing.T, s *Storage, name string, st Status, quota int64) Transition {
	t.Helper()
	tr, err := s.ApplyObservation(context.Background(), Observation{
		Name:      name,
		Status:    st,
		UsedQuota: quota,
		At:        time.Now(),
	})
	require.NoError(t, err)
	return tr
}

func TestApplyObservationFirstSightingHasNoHistory(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tr := observe(t, s, "proj-x-01", StatusActive, 100)
	assert.False(t, tr.Changed)
	assert.Empty(t, tr.OldStatus)

	rec, err := s.GetStatus(ctx, "proj-x-01")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.CurrentStatus)
	assert.Equal(t, int64(100), rec.UsedQuota)

	history, err := s.History(ctx, "proj-x-01", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestApplyObservationHistoryOnlyOnChange(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	sequence := []Status{StatusActive, StatusActive, StatusDisabled, StatusDisabled, StatusActive}
	changes := 0
	for i, st := range sequence {
		tr := observe(t, s, "proj-x-01", st, int64(i*10))
		if tr.Changed {
			changes++
		}
	}
	assert.Equal(t, 2, changes)

	history, err := s.History(ctx, "proj-x-01", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// newest first
	assert.Equal(t, StatusDisabled, history[0].OldStatus)
	assert.Equal(t, StatusActive, history[0].NewStatus)
	assert.Equal(t, StatusActive, history[1].OldStatus)
	assert.Equal(t, StatusDisabled, history[1].NewStatus)
	assert.Equal(t, int64(20), history[1].UsedQuota)
}

func TestApplyObservationKeepsActivatedFlag(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.MarkActivated(ctx, "proj-x", []string{"proj-x-01"}, time.Now()))
	observe(t, s, "proj-x-01", StatusDisabled, 0)

	rec, err := s.GetStatus(ctx, "proj-x-01")
	require.NoError(t, err)
	assert.True(t, rec.IsActivated)
	require.NotNil(t, rec.ActivationDate)
}

func TestGetStatusNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetStatus(context.Background(), "nobody-x-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkActivatedCreatesRecords(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	names := []string{"proj-x-01", "proj-x-02", "proj-x-03"}

	require.NoError(t, s.MarkActivated(ctx, "proj-x", names, time.Now()))

	recs, err := s.ListStatuses(ctx, names)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, name := range names {
		assert.True(t, recs[name].IsActivated, name)
		assert.NotNil(t, recs[name].ActivationDate, name)
	}

	n, err := s.ActivationsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountsAndFilePath(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	observe(t, s, "a-b-01", StatusActive, 0)
	observe(t, s, "a-b-02", StatusActive, 0)
	observe(t, s, "a-b-03", StatusDisabled, 0)
	observe(t, s, "a-b-03", StatusActive, 0)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusActive])
	assert.Equal(t, 0, counts[StatusDisabled])

	n, err := s.TransitionsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.UpdateFilePath(ctx, "a-b-01", "/accounts/uploaded/a-b-01.json"))
	rec, err := s.GetStatus(ctx, "a-b-01")
	require.NoError(t, err)
	assert.Equal(t, "/accounts/uploaded/a-b-01.json", rec.FilePath)
}

func TestRebind(t *testing.T) {
	pg := &Storage{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", pg.rebind("SELECT * FROM t WHERE a = ? AND b IN ("+placeholders(2)+")"))

	lite := &Storage{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestNewStorageRejectsUnknownDriver(t *testing.T) {
	_, err := NewStorage("oracle", "x")
	assert.Error(t, err)
}
