package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

func TestMatchRepo_UpsertKeepsExistingID(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "match-original"
		return nil
	}}}
	repo := postgres.NewMatchRepo(pool)

	m := domain.Match{
		ID: "match-rerun", JobID: "job-1", ProductID: "p1", VideoID: "v1",
		Score: 0.91,
		Evidence: domain.MatchEvidence{
			BestImgID: "img-1", BestFrameID: "frm-7", BestScore: 0.93,
			DeepScore: 0.9, KpScore: 0.5, TsSec: 12.5,
		},
	}
	require.NoError(t, repo.Upsert(context.Background(), &m))
	// The conflict path returns the stored row's id.
	assert.Equal(t, "match-original", m.ID)
}

func TestMatchRepo_SetEvidencePathNotFound(t *testing.T) {
	pool := &poolStub{execTags: []pgconn.CommandTag{tagZero}}
	repo := postgres.NewMatchRepo(pool)

	err := repo.SetEvidencePath(context.Background(), "missing", "/evidence/x.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMatchRepo_CountByJob(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 7
		return nil
	}}}
	repo := postgres.NewMatchRepo(pool)

	n, err := repo.CountByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
