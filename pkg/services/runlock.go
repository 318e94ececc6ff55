package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/database"
)

const lockReleaseTimeout = 5 * time.Second

// RunLock keeps a single run in flight per source.
type RunLock interface {
	// Acquire fails fast with apperrors.ErrRunInProgress when the source is
	// already running. The returned release function must be called once.
	Acquire(ctx context.Context, sourceID string) (release func(), err error)
}

// LocalRunLock serializes runs within one process.
type LocalRunLock struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewLocalRunLock creates an in-process run lock.
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{running: make(map[string]struct{})}
}

func (l *LocalRunLock) Acquire(ctx context.Context, sourceID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.running[sourceID]; busy {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRunInProgress, sourceID)
	}
	l.running[sourceID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, sourceID)
			l.mu.Unlock()
		})
	}, nil
}

// Running reports whether a run holds the lock for sourceID.
func (l *LocalRunLock) Running(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.running[sourceID]
	return busy
}

// PostgresRunLock extends the local lock with a session advisory lock so
// connectors on different machines sharing one checkpoint database never run
// the same source at once.
type PostgresRunLock struct {
	local  *LocalRunLock
	db     *database.DB
	logger *zap.Logger
}

// NewPostgresRunLock creates a distributed run lock on db.
func NewPostgresRunLock(db *database.DB, logger *zap.Logger) *PostgresRunLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRunLock{
		local:  NewLocalRunLock(),
		db:     db,
		logger: logger.Named("runlock"),
	}
}

func (l *PostgresRunLock) Acquire(ctx context.Context, sourceID string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	lease, err := l.db.TryAdvisoryLock(ctx, "purview-connector:run:"+sourceID)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire run lease for %s: %w", sourceID, err)
	}
	if lease == nil {
		releaseLocal()
		return nil, fmt.Errorf("%w: %s (held by another connector)", apperrors.ErrRunInProgress, sourceID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if err := lease.Release(ctx); err != nil {
				l.logger.Error("Failed to release run lease",
					zap.String("source_id", sourceID),
					zap.Error(err))
			}
			releaseLocal()
		})
	}, nil
}

// Lease scripts only touch the key while it still holds this holder's token.
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisRunLock extends the local lock with an expiring Redis lease. The lease
// is renewed every third of its TTL while the run holds it, so a crashed
// connector frees the source after at most one TTL.
type RedisRunLock struct {
	local  *LocalRunLock
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRunLock creates a distributed run lock on client.
func NewRedisRunLock(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisRunLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl < time.Second {
		ttl = time.Minute
	}
	return &RedisRunLock{
		local:  NewLocalRunLock(),
		client: client,
		ttl:    ttl,
		logger: logger.Named("runlock"),
	}
}

func (l *RedisRunLock) Acquire(ctx context.Context, sourceID string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	key := "purview-connector:run:" + sourceID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire run lease for %s: %w", sourceID, err)
	}
	if !ok {
		releaseLocal()
		return nil, fmt.Errorf("%w: %s (held by another connector)", apperrors.ErrRunInProgress, sourceID)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, sourceID, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if err := releaseLeaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Error("Failed to release run lease",
					zap.String("source_id", sourceID),
					zap.Error(err))
			}
			releaseLocal()
		})
	}, nil
}

func (l *RedisRunLock) renew(key, token, sourceID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			renewed, err := renewLeaseScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("Failed to renew run lease",
					zap.String("source_id", sourceID),
					zap.Error(err))
			case renewed == 0:
				l.logger.Error("Run lease lost; another connector may start this source",
					zap.String("source_id", sourceID))
				return
			}
		}
	}
}
