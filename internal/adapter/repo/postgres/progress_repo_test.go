package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

func progressScan(p domain.JobProgress) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = p.JobID
		*(dest[1].(*domain.Stage)) = p.Stage
		*(dest[2].(*int)) = p.Expected
		*(dest[3].(*int)) = p.Done
		*(dest[4].(*int)) = p.Failed
		*(dest[5].(*bool)) = p.ExpectedKnown
		*(dest[6].(*bool)) = p.CompletionEmitted
		*(dest[7].(**time.Time)) = p.WatermarkExpiresAt
		*(dest[8].(*time.Time)) = p.UpdatedAt
		return nil
	}
}

func TestProgressRepo_ApplyDone(t *testing.T) {
	want := domain.JobProgress{
		JobID: "job-1", Stage: domain.StageImageEmbeddings,
		Expected: 10, Done: 4, ExpectedKnown: true,
	}
	tx := &txStub{row: rowStub{scan: progressScan(want)}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewProgressRepo(pool)

	got, applied, err := repo.ApplyDone(context.Background(), "evt-1", "embedder", "job-1", domain.StageImageEmbeddings, 1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, want, got)
	assert.True(t, tx.committed)
}

func TestProgressRepo_ApplyDoneDuplicate(t *testing.T) {
	// Ledger insert conflicts: counters untouched, current row returned.
	current := domain.JobProgress{JobID: "job-1", Stage: domain.StageImageEmbeddings, Expected: 10, Done: 4, ExpectedKnown: true}
	tx := &txStub{execTags: []pgconn.CommandTag{tagZero}}
	pool := &poolStub{tx: tx, row: rowStub{scan: progressScan(current)}}
	repo := postgres.NewProgressRepo(pool)

	got, applied, err := repo.ApplyDone(context.Background(), "evt-1", "embedder", "job-1", domain.StageImageEmbeddings, 1)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, current, got)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestProgressRepo_ApplyDoneDuplicateBeforeFirstTotal(t *testing.T) {
	// Duplicate before any progress row exists: not-found is not an error.
	tx := &txStub{execTags: []pgconn.CommandTag{tagZero}}
	pool := &poolStub{tx: tx, row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewProgressRepo(pool)

	got, applied, err := repo.ApplyDone(context.Background(), "evt-1", "embedder", "job-1", domain.StageImageEmbeddings, 1)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, got)
}

func TestProgressRepo_ApplyTotalAfterEmission(t *testing.T) {
	// Guarded upsert declines once the completion is out; the event is still
	// consumed so redeliveries stop.
	emitted := domain.JobProgress{JobID: "job-1", Stage: domain.StageVideoKeyframes, Expected: 5, Done: 5, ExpectedKnown: true, CompletionEmitted: true}
	calls := 0
	tx := &txStub{row: rowStub{scan: func(dest ...any) error {
		calls++
		if calls == 1 {
			return pgx.ErrNoRows
		}
		return progressScan(emitted)(dest...)
	}}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewProgressRepo(pool)

	got, applied, err := repo.ApplyTotal(context.Background(), "evt-2", "tracker", "job-1", domain.StageVideoKeyframes, 9, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, got.CompletionEmitted)
	assert.Equal(t, 5, got.Expected)
	assert.True(t, tx.committed)
}

func TestProgressRepo_MarkEmittedOnce(t *testing.T) {
	pool := &poolStub{execTags: []pgconn.CommandTag{tagOne, tagZero}}
	repo := postgres.NewProgressRepo(pool)
	ctx := context.Background()

	ok, err := repo.MarkEmitted(ctx, "job-1", domain.StageImageEmbeddings)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkEmitted(ctx, "job-1", domain.StageImageEmbeddings)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressRepo_ListExpiredWatermarks(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	rows := &rowsStub{scans: []func(dest ...any) error{
		progressScan(domain.JobProgress{JobID: "job-1", Stage: domain.StageImageKeypoints, Expected: 8, Done: 7, ExpectedKnown: true, WatermarkExpiresAt: &exp}),
	}}
	repo := postgres.NewProgressRepo(&poolStub{rows: rows})

	out, err := repo.ListExpiredWatermarks(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.StageImageKeypoints, out[0].Stage)
}
