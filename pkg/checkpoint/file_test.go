package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newFileStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return NewFileStore(fsys, "/var/lib/connector/checkpoints", zaptest.NewLogger(t)), fsys
}

func TestFileStore_LoadMissing(t *testing.T) {
	s, _ := newFileStore(t)
	ts, err := s.Load(context.Background(), "sales-db")
	require.NoError(t, err)
	assert.Nil(t, ts)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStore_CommitAndLoad(t *testing.T) {
	s, fsys := newFileStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.FixedZone("CET", 3600))

	require.NoError(t, s.Commit(ctx, "sales-db", at))

	ts, err := s.Load(ctx, "sales-db")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(at.Truncate(time.Microsecond)))
	assert.Equal(t, time.UTC, ts.Location())

	exists, err := afero.Exists(fsys, "/var/lib/connector/checkpoints/sales-db.checkpoint.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temp file is renamed into place")
}

func TestFileStore_CommitOverwritesAtomically(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	require.NoError(t, s.Commit(ctx, "sales-db", first))
	require.NoError(t, s.Commit(ctx, "sales-db", second))

	ts, err := s.Load(ctx, "sales-db")
	require.NoError(t, err)
	assert.True(t, ts.Equal(second))
}

func TestFileStore_NeverRegresses(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Commit(ctx, "sales-db", later))
	require.NoError(t, s.Commit(ctx, "sales-db", later.Add(-time.Hour)))

	ts, err := s.Load(ctx, "sales-db")
	require.NoError(t, err)
	assert.True(t, ts.Equal(later))
}

func TestFileStore_ResetAndList(t *testing.T) {
	s, fsys := newFileStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Commit(ctx, "b-share", at))
	require.NoError(t, s.Commit(ctx, "a/api", at))
	require.NoError(t, afero.WriteFile(fsys, "/var/lib/connector/checkpoints/notes.txt", []byte("x"), 0o644))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a/api", list[0].SourceID, "ids with separators are escaped in file names")
	assert.Equal(t, "b-share", list[1].SourceID)

	require.NoError(t, s.Reset(ctx, "a/api"))
	require.NoError(t, s.Reset(ctx, "never-ran"))

	ts, err := s.Load(ctx, "a/api")
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestFileStore_CorruptFile(t *testing.T) {
	s, fsys := newFileStore(t)
	require.NoError(t, afero.WriteFile(fsys, s.path("sales-db"), []byte("{not json"), 0o644))

	_, err := s.Load(context.Background(), "sales-db")
	assert.Error(t, err)
}

func TestFileStore_CommitHonoursCancellation(t *testing.T) {
	s, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Commit(ctx, "sales-db", time.Now()), context.Canceled)
	ts, err := s.Load(context.Background(), "sales-db")
	require.NoError(t, err)
	assert.Nil(t, ts)
}
