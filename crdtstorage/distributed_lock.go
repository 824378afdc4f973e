package crdtstorage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// DistributedLock serializes compaction of a single document's change
// log across processes. §6.7 requires compaction (folding incremental
// changes into a new snapshot) to never race with another process
// compacting the same document, while ordinary reads and local
// transaction commits never take this lock.
type DistributedLock interface {
	// Acquire makes a single attempt to take the lock; it does not wait.
	// timeout is the lock's expiry once taken. Returns false, nil when
	// the lock is held elsewhere, and a non-nil error only on a
	// transport failure.
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)

	// Release gives up the lock. A no-op if not held.
	Release(ctx context.Context) (bool, error)

	// Refresh extends the lock's expiry, used by a long-running
	// compaction to avoid losing the lock mid-operation.
	Refresh(ctx context.Context, ttl time.Duration) (bool, error)
}

// DistributedLockManager mints a DistributedLock per resource.
type DistributedLockManager interface {
	GetLock(resourceID, ownerID string) DistributedLock
	Close() error
}

// RedisDistributedLock implements DistributedLock with a Redis
// SET NX-style acquire and a compare-and-delete release script, so a
// lock can only be released by the owner that acquired it. Grounded on
// the teacher's RedisDistributedLock, rewired directly onto
// *redis.Client instead of through the teacher's hand-rolled
// RedisClient seam, since go-redis is already a direct dependency of
// this package via RedisAdapter.
type RedisDistributedLock struct {
	client     *redis.Client
	resourceID string
	ownerID    string
	lockKey    string

	acquired    bool
	stopRefresh chan struct{}
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// NewRedisDistributedLock creates a lock for resourceID, identifying
// this holder as ownerID (typically a process or actor id).
func NewRedisDistributedLock(client *redis.Client, resourceID, ownerID string) *RedisDistributedLock {
	return &RedisDistributedLock{
		client:     client,
		resourceID: resourceID,
		ownerID:    ownerID,
		lockKey:    "lock:" + resourceID,
	}
}

func (l *RedisDistributedLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if l.acquired {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.lockKey, l.ownerID, timeout).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquiring lock %s", l.resourceID)
	}
	if !ok {
		return false, nil
	}
	l.acquired = true
	l.stopRefresh = make(chan struct{})
	l.startAutoRefresh(timeout)
	return true, nil
}

func (l *RedisDistributedLock) Release(ctx context.Context) (bool, error) {
	if !l.acquired {
		return true, nil
	}
	close(l.stopRefresh)

	result, err := l.client.Eval(ctx, releaseScript, []string{l.lockKey}, l.ownerID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "releasing lock %s", l.resourceID)
	}
	l.acquired = false
	return asSuccess(result), nil
}

func (l *RedisDistributedLock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	if !l.acquired {
		return false, nil
	}
	result, err := l.client.Eval(ctx, refreshScript, []string{l.lockKey}, l.ownerID, int(ttl.Seconds())).Result()
	if err != nil {
		return false, errors.Wrapf(err, "refreshing lock %s", l.resourceID)
	}
	return asSuccess(result), nil
}

// startAutoRefresh keeps the lock alive at 1/3 of the TTL so a
// compaction that takes longer than ttl doesn't lose the lock to
// another process mid-write.
func (l *RedisDistributedLock) startAutoRefresh(ttl time.Duration) {
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	stop := l.stopRefresh
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				l.Refresh(refreshCtx, ttl)
				cancel()
			}
		}
	}()
}

func asSuccess(result interface{}) bool {
	v, ok := result.(int64)
	return ok && v > 0
}

// RedisDistributedLockManager mints RedisDistributedLocks sharing a
// single client.
type RedisDistributedLockManager struct {
	client *redis.Client
}

func NewRedisDistributedLockManager(client *redis.Client) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{client: client}
}

func (m *RedisDistributedLockManager) GetLock(resourceID, ownerID string) DistributedLock {
	return NewRedisDistributedLock(m.client, resourceID, ownerID)
}

// Close is a no-op: the client is externally owned.
func (m *RedisDistributedLockManager) Close() error { return nil }

// NoOpDistributedLockManager grants every lock unconditionally. Used
// for single-process deployments and tests where nothing else can
// contend for compaction.
type NoOpDistributedLockManager struct{}

type noOpDistributedLock struct{}

func NewNoOpDistributedLockManager() *NoOpDistributedLockManager {
	return &NoOpDistributedLockManager{}
}

func (m *NoOpDistributedLockManager) GetLock(resourceID, ownerID string) DistributedLock {
	return noOpDistributedLock{}
}

func (m *NoOpDistributedLockManager) Close() error { return nil }

func (noOpDistributedLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return true, nil
}

func (noOpDistributedLock) Release(ctx context.Context) (bool, error) { return true, nil }

func (noOpDistributedLock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return true, nil
}
