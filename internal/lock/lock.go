// Package lock implements distributed mutual exclusion for task executions.
// One live lock exists per (task_type, task_id); the holder renews a
// heartbeat while it runs, an external supervisor sweeps stale locks, and a
// cancellation flag requests cooperative shutdown. All coordination goes
// through the shared kv.Store, so acquire must be an atomic check-and-set.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/kv"
	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// Cache key formats shared with every compatible consumer.
const (
	lockKeyFormat      = "task_lock:%s:%s"
	heartbeatKeyFormat = "task_heartbeat:%s:%s"
	cancelKeyFormat    = "task_cancel:%s:%s"
)

const (
	// DefaultStaleThreshold is how old a heartbeat may be before the lock
	// holder is presumed dead.
	DefaultStaleThreshold = 5 * time.Minute
	// DefaultLockTTL is the cache-level auto-expiry on the lock entry, a
	// safety net independent of explicit release and the supervisor sweep.
	DefaultLockTTL = 10 * time.Minute
)

// Config tunes the lock manager.
type Config struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: DefaultStaleThreshold,
		LockTTL:        DefaultLockTTL,
	}
}

// Record is the serialized lock entry.
type Record struct {
	WorkerID    string    `json:"worker_id"`
	ExecutionID string    `json:"execution_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Heartbeat is the serialized heartbeat entry.
type Heartbeat struct {
	ExecutionID string    `json:"execution_id"`
	LastBeat    time.Time `json:"last_beat"`
	Message     string    `json:"message,omitempty"`
}

// Info is the combined view returned by GetLockInfo.
type Info struct {
	Lock      Record
	Heartbeat optional.Option[Heartbeat]
	IsStale   bool
}

// Manager coordinates lock, heartbeat, and cancellation entries for tasks.
type Manager struct {
	store  kv.Store
	config Config
	log    *logger.Logger
	now    func() time.Time
}

// NewManager creates a Manager over the given store.
func NewManager(store kv.Store, config Config, log *logger.Logger) *Manager {
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultStaleThreshold
	}

	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Manager{
		store:  store,
		config: config,
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the manager's clock. Test hook for staleness checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// AcquireLock attempts to take the lock for (taskType, taskID). It returns
// false, not an error, when another holder already has it. On success an
// initial heartbeat is written as well.
func (m *Manager) AcquireLock(ctx context.Context, taskType, taskID, executionID, workerID string) (bool, error) {
	record := Record{
		WorkerID:    workerID,
		ExecutionID: executionID,
		AcquiredAt:  m.now().UTC(),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeLockWriteFailed, "failed to serialize lock record", err)
	}

	acquired, err := m.store.SetNX(ctx, lockKey(taskType, taskID), string(payload), m.config.LockTTL)
	if err != nil {
		return false, errors.Wrapf(errors.ErrCodeLockWriteFailed, err, "failed to acquire lock for %s:%s", taskType, taskID)
	}

	if !acquired {
		return false, nil
	}

	if err := m.writeHeartbeat(ctx, taskType, taskID, executionID, ""); err != nil {
		// Roll the lock entry back so a failed acquisition does not leave
		// the key held until the sweep or TTL frees it.
		if delErr := m.store.Delete(ctx, lockKey(taskType, taskID)); delErr != nil {
			m.log.Warn("failed to roll back lock after heartbeat write failure",
				zap.String("task_type", taskType),
				zap.String("task_id", taskID),
				zap.Error(delErr),
			)
		}

		return false, err
	}

	m.log.Info("lock acquired",
		zap.String("task_type", taskType),
		zap.String("task_id", taskID),
		zap.String("execution_id", executionID),
		zap.String("worker_id", workerID),
	)

	return true, nil
}

// ReleaseLock removes the lock, heartbeat, and cancellation entries.
// Idempotent: releasing an unheld lock is not an error.
func (m *Manager) ReleaseLock(ctx context.Context, taskType, taskID string) error {
	err := m.store.Delete(ctx,
		lockKey(taskType, taskID),
		heartbeatKey(taskType, taskID),
		cancelKey(taskType, taskID),
	)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLockWriteFailed, err, "failed to release lock for %s:%s", taskType, taskID)
	}

	m.log.Info("lock released",
		zap.String("task_type", taskType),
		zap.String("task_id", taskID),
	)

	return nil
}

// UpdateHeartbeat rewrites the heartbeat timestamp, preserving the
// execution id already recorded, and renews the lock entry's TTL so the
// cache-level expiry only fires for holders that stopped beating. No-op
// when no lock is held.
func (m *Manager) UpdateHeartbeat(ctx context.Context, taskType, taskID, message string) error {
	lockRecord, ok, err := m.readLock(ctx, taskType, taskID)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	executionID := lockRecord.ExecutionID

	if hb, found, hbErr := m.readHeartbeat(ctx, taskType, taskID); hbErr == nil && found {
		executionID = hb.ExecutionID
	}

	if err := m.writeHeartbeat(ctx, taskType, taskID, executionID, message); err != nil {
		return err
	}

	return m.refreshLock(ctx, taskType, taskID, lockRecord)
}

func (m *Manager) refreshLock(ctx context.Context, taskType, taskID string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLockWriteFailed, "failed to serialize lock record", err)
	}

	err = m.store.Set(ctx, lockKey(taskType, taskID), string(payload), m.config.LockTTL)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLockWriteFailed, err, "failed to renew lock for %s:%s", taskType, taskID)
	}

	return nil
}

// SetCancellationFlag requests a cooperative graceful stop of the current
// execution for the task.
func (m *Manager) SetCancellationFlag(ctx context.Context, taskType, taskID string) error {
	err := m.store.Set(ctx, cancelKey(taskType, taskID), "1", m.config.LockTTL)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLockWriteFailed, err, "failed to set cancellation flag for %s:%s", taskType, taskID)
	}

	return nil
}

// CheckCancellationFlag reports whether a stop has been requested.
func (m *Manager) CheckCancellationFlag(ctx context.Context, taskType, taskID string) (bool, error) {
	value, ok, err := m.store.Get(ctx, cancelKey(taskType, taskID))
	if err != nil {
		return false, errors.Wrapf(errors.ErrCodeLockReadFailed, err, "failed to read cancellation flag for %s:%s", taskType, taskID)
	}

	return ok && value == "1", nil
}

// CleanupStaleLock force-releases the lock when its heartbeat is missing or
// older than the staleness threshold. Returns true when the lock was
// removed. Called by the external supervisor sweep, never by the executor.
func (m *Manager) CleanupStaleLock(ctx context.Context, taskType, taskID string) (bool, error) {
	_, ok, err := m.readLock(ctx, taskType, taskID)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil
	}

	stale, err := m.isStale(ctx, taskType, taskID)
	if err != nil {
		return false, err
	}

	if !stale {
		return false, nil
	}

	if err := m.ReleaseLock(ctx, taskType, taskID); err != nil {
		return false, err
	}

	m.log.Warn("stale lock cleaned up",
		zap.String("task_type", taskType),
		zap.String("task_id", taskID),
	)

	return true, nil
}

// GetLockInfo returns the lock, its heartbeat, and the computed staleness
// flag, or None when no lock is held.
func (m *Manager) GetLockInfo(ctx context.Context, taskType, taskID string) (optional.Option[Info], error) {
	lockRecord, ok, err := m.readLock(ctx, taskType, taskID)
	if err != nil {
		return optional.None[Info](), err
	}

	if !ok {
		return optional.None[Info](), nil
	}

	heartbeat := optional.None[Heartbeat]()

	if hb, found, hbErr := m.readHeartbeat(ctx, taskType, taskID); hbErr != nil {
		return optional.None[Info](), hbErr
	} else if found {
		heartbeat = optional.Some(hb)
	}

	stale, err := m.isStale(ctx, taskType, taskID)
	if err != nil {
		return optional.None[Info](), err
	}

	return optional.Some(Info{
		Lock:      lockRecord,
		Heartbeat: heartbeat,
		IsStale:   stale,
	}), nil
}

func (m *Manager) isStale(ctx context.Context, taskType, taskID string) (bool, error) {
	heartbeat, ok, err := m.readHeartbeat(ctx, taskType, taskID)
	if err != nil {
		return false, err
	}

	if !ok {
		// Lock without a heartbeat: holder died before the first beat.
		return true, nil
	}

	return m.now().Sub(heartbeat.LastBeat) > m.config.StaleThreshold, nil
}

func (m *Manager) readLock(ctx context.Context, taskType, taskID string) (Record, bool, error) {
	value, ok, err := m.store.Get(ctx, lockKey(taskType, taskID))
	if err != nil {
		return Record{}, false, errors.Wrapf(errors.ErrCodeLockReadFailed, err, "failed to read lock for %s:%s", taskType, taskID)
	}

	if !ok {
		return Record{}, false, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return Record{}, false, errors.Wrap(errors.ErrCodeLockReadFailed, "corrupt lock record", err)
	}

	return record, true, nil
}

func (m *Manager) readHeartbeat(ctx context.Context, taskType, taskID string) (Heartbeat, bool, error) {
	value, ok, err := m.store.Get(ctx, heartbeatKey(taskType, taskID))
	if err != nil {
		return Heartbeat{}, false, errors.Wrapf(errors.ErrCodeLockReadFailed, err, "failed to read heartbeat for %s:%s", taskType, taskID)
	}

	if !ok {
		return Heartbeat{}, false, nil
	}

	var heartbeat Heartbeat
	if err := json.Unmarshal([]byte(value), &heartbeat); err != nil {
		return Heartbeat{}, false, errors.Wrap(errors.ErrCodeLockReadFailed, "corrupt heartbeat record", err)
	}

	return heartbeat, true, nil
}

func (m *Manager) writeHeartbeat(ctx context.Context, taskType, taskID, executionID, message string) error {
	heartbeat := Heartbeat{
		ExecutionID: executionID,
		LastBeat:    m.now().UTC(),
		Message:     message,
	}

	payload, err := json.Marshal(heartbeat)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLockWriteFailed, "failed to serialize heartbeat", err)
	}

	err = m.store.Set(ctx, heartbeatKey(taskType, taskID), string(payload), m.config.LockTTL)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeLockWriteFailed, err, "failed to write heartbeat for %s:%s", taskType, taskID)
	}

	return nil
}

func lockKey(taskType, taskID string) string {
	return fmt.Sprintf(lockKeyFormat, taskType, taskID)
}

func heartbeatKey(taskType, taskID string) string {
	return fmt.Sprintf(heartbeatKeyFormat, taskType, taskID)
}

func cancelKey(taskType, taskID string) string {
	return fmt.Sprintf(cancelKeyFormat, taskType, taskID)
}
