//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/testhelpers"
)

func TestPostgresRunLock_ExcludesOtherConnectors(t *testing.T) {
	db := testhelpers.GetCheckpointDB(t)
	ctx := context.Background()
	sourceID := "lock-" + uuid.NewString()

	// Two locks model two connector processes sharing the database.
	first := NewPostgresRunLock(db.DB, zaptest.NewLogger(t))
	second := NewPostgresRunLock(db.DB, zaptest.NewLogger(t))

	release, err := first.Acquire(ctx, sourceID)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, sourceID)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	release()

	releaseSecond, err := second.Acquire(ctx, sourceID)
	require.NoError(t, err)
	releaseSecond()
}

func TestRedisRunLock_ExcludesOtherConnectors(t *testing.T) {
	client := testhelpers.GetRedis(t)
	ctx := context.Background()
	sourceID := "lock-" + uuid.NewString()

	first := NewRedisRunLock(client, time.Second, zaptest.NewLogger(t))
	second := NewRedisRunLock(client, time.Second, zaptest.NewLogger(t))

	release, err := first.Acquire(ctx, sourceID)
	require.NoError(t, err)

	// Outlives the TTL: the holder keeps renewing its lease.
	time.Sleep(1500 * time.Millisecond)
	_, err = second.Acquire(ctx, sourceID)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	release()

	releaseSecond, err := second.Acquire(ctx, sourceID)
	require.NoError(t, err)
	releaseSecond()

	exists, err := client.Exists(ctx, "purview-connector:run:"+sourceID).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "release deletes the lease")
}

func TestRedisRunLock_ReleaseKeepsForeignLease(t *testing.T) {
	client := testhelpers.GetRedis(t)
	ctx := context.Background()
	sourceID := "lock-" + uuid.NewString()
	key := "purview-connector:run:" + sourceID

	lock := NewRedisRunLock(client, time.Second, zaptest.NewLogger(t))
	release, err := lock.Acquire(ctx, sourceID)
	require.NoError(t, err)

	// Simulate expiry and takeover by another connector.
	require.NoError(t, client.Set(ctx, key, "other-holder", time.Minute).Err())
	release()

	holder, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-holder", holder)
	client.Del(ctx, key)
}
