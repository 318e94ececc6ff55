//go:build integration

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/purview-connector/pkg/models"
	"github.com/ekaya-inc/purview-connector/pkg/testhelpers"
)

func TestPostgresStore_Checkpoints(t *testing.T) {
	db := testhelpers.GetCheckpointDB(t)
	s := NewPostgresStore(db.DB, zaptest.NewLogger(t))
	ctx := context.Background()
	source := "pg-store-" + uuid.NewString()

	ts, err := s.Load(ctx, source)
	require.NoError(t, err)
	assert.Nil(t, ts)

	first := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	require.NoError(t, s.Commit(ctx, source, first))

	ts, err = s.Load(ctx, source)
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(first.Truncate(time.Microsecond)))

	require.NoError(t, s.Commit(ctx, source, first.Add(-time.Hour)))
	ts, err = s.Load(ctx, source)
	require.NoError(t, err)
	assert.True(t, ts.Equal(first.Truncate(time.Microsecond)), "older commit does not regress")

	list, err := s.List(ctx)
	require.NoError(t, err)
	found := false
	for _, cp := range list {
		if cp.SourceID == source {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, s.Reset(ctx, source))
	ts, err = s.Load(ctx, source)
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestPostgresStore_RunHistory(t *testing.T) {
	db := testhelpers.GetCheckpointDB(t)
	s := NewPostgresStore(db.DB, zaptest.NewLogger(t))
	ctx := context.Background()
	source := "pg-runs-" + uuid.NewString()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, status := range []models.RunStatus{models.RunStatusSuccess, models.RunStatusPartial} {
		require.NoError(t, s.RecordRun(ctx, &models.RunSummary{
			RunID:     uuid.New(),
			SourceID:  source,
			Status:    status,
			Created:   i + 1,
			StartedAt: started.Add(time.Duration(i) * time.Hour),
			Duration:  1500 * time.Millisecond,
		}))
	}

	runs, err := s.RecentRuns(ctx, source, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusPartial, runs[0].Status, "newest first")
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)
}
