package lock

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/gridflow-lab/gridflow/internal/kv"
	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

type LockManagerTestSuite struct {
	suite.Suite
	store   *kv.MemoryStore
	manager *Manager
	ctx     context.Context
}

func TestLockManagerSuite(t *testing.T) {
	suite.Run(t, new(LockManagerTestSuite))
}

func (suite *LockManagerTestSuite) SetupTest() {
	suite.store = kv.NewMemoryStore()
	suite.manager = NewManager(suite.store, DefaultConfig(), logger.NewNopLogger())
	suite.ctx = context.Background()
}

func (suite *LockManagerTestSuite) TestAcquireLock() {
	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	info, err := suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.IsSome())
	suite.Equal("worker-1", info.Unwrap().Lock.WorkerID)
	suite.Equal("exec-1", info.Unwrap().Lock.ExecutionID)
	suite.True(info.Unwrap().Heartbeat.IsSome())
	suite.False(info.Unwrap().IsStale)
}

func (suite *LockManagerTestSuite) TestAcquireLockAlreadyHeld() {
	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// Second acquisition returns false, not an error
	acquired, err = suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.False(acquired)
}

func (suite *LockManagerTestSuite) TestAcquireLockMutualExclusion() {
	const callers = 10

	var wg sync.WaitGroup

	results := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "contended", "exec", "worker")
			suite.NoError(err)
			results <- acquired
		}()
	}

	wg.Wait()
	close(results)

	winners := 0
	for acquired := range results {
		if acquired {
			winners++
		}
	}

	suite.Equal(1, winners)
}

func (suite *LockManagerTestSuite) TestReleaseLockClearsEverything() {
	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	suite.NoError(suite.manager.SetCancellationFlag(suite.ctx, "backtest", "task-1"))

	suite.NoError(suite.manager.ReleaseLock(suite.ctx, "backtest", "task-1"))

	info, err := suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.IsNone())

	cancelled, err := suite.manager.CheckCancellationFlag(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.False(cancelled)

	// Reacquisition after release must succeed
	acquired, err = suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.True(acquired)
}

func (suite *LockManagerTestSuite) TestReleaseLockIdempotent() {
	suite.NoError(suite.manager.ReleaseLock(suite.ctx, "backtest", "never-held"))
}

func (suite *LockManagerTestSuite) TestUpdateHeartbeat() {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.manager.SetClock(func() time.Time { return now })

	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	now = now.Add(30 * time.Second)
	suite.NoError(suite.manager.UpdateHeartbeat(suite.ctx, "backtest", "task-1", "processed 1000 ticks"))

	info, err := suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.IsSome())

	heartbeat := info.Unwrap().Heartbeat.Unwrap()
	suite.Equal("exec-1", heartbeat.ExecutionID)
	suite.Equal(now, heartbeat.LastBeat)
	suite.Equal("processed 1000 ticks", heartbeat.Message)
}

func (suite *LockManagerTestSuite) TestUpdateHeartbeatNoLock() {
	// No lock held: heartbeat update is a silent no-op
	suite.NoError(suite.manager.UpdateHeartbeat(suite.ctx, "backtest", "task-1", "msg"))

	_, ok, err := suite.store.Get(suite.ctx, "task_heartbeat:backtest:task-1")
	suite.NoError(err)
	suite.False(ok)
}

func (suite *LockManagerTestSuite) TestCancellationFlag() {
	cancelled, err := suite.manager.CheckCancellationFlag(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.False(cancelled)

	suite.NoError(suite.manager.SetCancellationFlag(suite.ctx, "backtest", "task-1"))

	cancelled, err = suite.manager.CheckCancellationFlag(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(cancelled)
}

func (suite *LockManagerTestSuite) TestCleanupStaleLockFreshHeartbeat() {
	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// Heartbeat was just written: definitively fresh
	cleaned, err := suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.False(cleaned)

	info, err := suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.IsSome())
}

func (suite *LockManagerTestSuite) TestCleanupStaleLockOldHeartbeat() {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.manager.SetClock(func() time.Time { return now })

	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// 400s without a beat is definitively stale against the 5m threshold
	now = now.Add(400 * time.Second)

	info, err := suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.Unwrap().IsStale)

	cleaned, err := suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(cleaned)

	info, err = suite.manager.GetLockInfo(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(info.IsNone())

	// The key is free again
	acquired, err = suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.True(acquired)
}

func (suite *LockManagerTestSuite) TestCleanupStaleLockMissingHeartbeat() {
	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// Simulate a holder that died before its first beat
	suite.NoError(suite.store.Delete(suite.ctx, "task_heartbeat:backtest:task-1"))

	cleaned, err := suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(cleaned)
}

func (suite *LockManagerTestSuite) TestCleanupStaleLockNoLock() {
	cleaned, err := suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.False(cleaned)
}

func (suite *LockManagerTestSuite) TestHeartbeatRenewsLockTTL() {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	suite.store.SetClock(clock)
	suite.manager.SetClock(clock)

	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// A live holder beating every 4 minutes keeps the lock well past the
	// 10-minute cache-level TTL.
	for i := 0; i < 4; i++ {
		now = now.Add(4 * time.Minute)
		suite.NoError(suite.manager.UpdateHeartbeat(suite.ctx, "backtest", "task-1", "processed 1000 ticks"))
	}

	cleaned, err := suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.False(cleaned)

	acquired, err = suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.False(acquired)

	// Once the beats stop, the staleness sweep still frees the key.
	now = now.Add(DefaultStaleThreshold + time.Minute)

	cleaned, err = suite.manager.CleanupStaleLock(suite.ctx, "backtest", "task-1")
	suite.NoError(err)
	suite.True(cleaned)
}

func (suite *LockManagerTestSuite) TestAcquireLockRollsBackOnHeartbeatFailure() {
	store := &heartbeatRejectingStore{MemoryStore: kv.NewMemoryStore(), rejecting: true}
	manager := NewManager(store, DefaultConfig(), logger.NewNopLogger())

	acquired, err := manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.Error(err)
	suite.False(acquired)

	// The lock entry must not survive the failed acquisition
	_, ok, err := store.Get(suite.ctx, "task_lock:backtest:task-1")
	suite.NoError(err)
	suite.False(ok)

	store.rejecting = false

	acquired, err = manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.True(acquired)
}

func (suite *LockManagerTestSuite) TestLockTTLExpiry() {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	suite.store.SetClock(clock)
	suite.manager.SetClock(clock)

	acquired, err := suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-1", "worker-1")
	suite.NoError(err)
	suite.True(acquired)

	// The cache-level TTL frees the key even without an explicit release
	now = now.Add(DefaultLockTTL + time.Minute)

	acquired, err = suite.manager.AcquireLock(suite.ctx, "backtest", "task-1", "exec-2", "worker-2")
	suite.NoError(err)
	suite.True(acquired)
}

// heartbeatRejectingStore fails heartbeat writes while rejecting is set,
// simulating a store that drops out between the lock write and the first
// beat.
type heartbeatRejectingStore struct {
	*kv.MemoryStore
	rejecting bool
}

func (s *heartbeatRejectingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.rejecting && strings.HasPrefix(key, "task_heartbeat:") {
		return errors.New(errors.ErrCodeLockWriteFailed, "set rejected")
	}

	return s.MemoryStore.Set(ctx, key, value, ttl)
}
