package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
)

func TestLocalRunLock_FailsFastWhenBusy(t *testing.T) {
	lock := NewLocalRunLock()

	release, err := lock.Acquire(context.Background(), "sales")
	require.NoError(t, err)
	assert.True(t, lock.Running("sales"))

	_, err = lock.Acquire(context.Background(), "sales")
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	other, err := lock.Acquire(context.Background(), "hr")
	require.NoError(t, err, "other sources are independent")
	other()

	release()
	release()
	assert.False(t, lock.Running("sales"))

	again, err := lock.Acquire(context.Background(), "sales")
	require.NoError(t, err)
	again()
}

func TestLocalRunLock_OneWinnerUnderContention(t *testing.T) {
	lock := NewLocalRunLock()

	var (
		attempted sync.WaitGroup
		done      sync.WaitGroup
		winners   int32
		start     = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		attempted.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			<-start
			release, err := lock.Acquire(context.Background(), "sales")
			attempted.Done()
			if err != nil {
				return
			}
			atomic.AddInt32(&winners, 1)
			// Hold the lock until every goroutine has tried.
			attempted.Wait()
			release()
		}()
	}
	close(start)
	done.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&winners))
	assert.False(t, lock.Running("sales"))
}
