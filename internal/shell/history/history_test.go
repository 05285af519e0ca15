package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipit/internal/shell/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(host, outcome string) pipeline.HistoryRecord {
	return pipeline.HistoryRecord{
		Invocation: "11111111-2222-3333-4444-555555555555",
		Stage:      "production",
		Host:       host,
		Release:    "20260830-120000",
		Action:     pipeline.ActionDeploy,
		Outcome:    outcome,
		Duration:   42 * time.Second,
		StartedAt:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleRecord("10.0.0.1", pipeline.OutcomeSuccess)))
	require.NoError(t, store.Record(ctx, sampleRecord("10.0.0.2", pipeline.OutcomeFailure)))

	records, err := store.Recent(ctx, "production", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, "10.0.0.2", records[0].Host)
	assert.Equal(t, pipeline.OutcomeFailure, records[0].Outcome)
	assert.Equal(t, "10.0.0.1", records[1].Host)

	got := records[1]
	want := sampleRecord("10.0.0.1", pipeline.OutcomeSuccess)
	assert.Equal(t, want.Invocation, got.Invocation)
	assert.Equal(t, want.Release, got.Release)
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
}

func TestRecentFiltersByStage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("10.0.0.1", pipeline.OutcomeSuccess)
	require.NoError(t, store.Record(ctx, rec))
	rec.Stage = "staging"
	require.NoError(t, store.Record(ctx, rec))

	records, err := store.Recent(ctx, "staging", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "staging", records[0].Stage)
}

func TestRecentHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, sampleRecord("10.0.0.1", pipeline.OutcomeSuccess)))
	}
	records, err := store.Recent(ctx, "production", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOpenIsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	first, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening runs migrations against an up-to-date schema.
	second, err := Open(dsn)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}
