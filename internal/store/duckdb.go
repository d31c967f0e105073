package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// DuckDBStore implements StateStore, EventStore, ExecutionRepo,
// TaskStatusRepo, and MetricsStore on a single DuckDB database. Decimal
// values are stored as text so no precision is lost on the round trip.
type DuckDBStore struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

var (
	_ StateStore     = (*DuckDBStore)(nil)
	_ EventStore     = (*DuckDBStore)(nil)
	_ ExecutionRepo  = (*DuckDBStore)(nil)
	_ TaskStatusRepo = (*DuckDBStore)(nil)
	_ MetricsStore   = (*DuckDBStore)(nil)
)

// NewDuckDBStore opens a store at path. Use ":memory:" for an ephemeral
// store in tests and single-run backtests.
func NewDuckDBStore(path string, log *logger.Logger) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to open duckdb", err)
	}

	return &DuckDBStore{
		db:  db,
		log: log,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Initialize creates the executions, snapshots, events, metrics, and
// task_status tables.
func (s *DuckDBStore) Initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			run_key TEXT NOT NULL,
			number BIGINT NOT NULL,
			strategy_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error_message TEXT,
			traceback TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			execution_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			execution_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			schema_version TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (execution_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			execution_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			realized_pnl TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			bid TEXT NOT NULL,
			ask TEXT NOT NULL,
			mid TEXT NOT NULL,
			total_trades BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_status (
			task_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (task_type, task_id)
		)`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to create table", err)
		}
	}

	return nil
}

// Close releases the database handle.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

// CreateExecution implements ExecutionRepo.
func (s *DuckDBStore) CreateExecution(execution *types.Execution) error {
	latest, err := s.LatestExecutionNumber(execution.TaskType, execution.TaskID)
	if err != nil {
		return err
	}

	execution.Number = latest + 1

	insert := s.sq.
		Insert("executions").
		Columns("id", "task_type", "task_id", "run_key", "number", "strategy_type", "status", "started_at").
		Values(
			execution.ID, execution.TaskType, execution.TaskID, execution.RunKey,
			execution.Number, execution.StrategyType, string(execution.Status), execution.StartedAt,
		).
		RunWith(s.db)

	if _, err := insert.Exec(); err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert execution", err)
	}

	s.log.Info("execution created",
		zap.String("execution_id", execution.ID),
		zap.String("task_type", execution.TaskType),
		zap.String("task_id", execution.TaskID),
		zap.Int64("number", execution.Number),
	)

	return nil
}

// GetExecution implements ExecutionRepo.
func (s *DuckDBStore) GetExecution(executionID string) (optional.Option[types.Execution], error) {
	query, args, err := s.sq.
		Select("id", "task_type", "task_id", "run_key", "number", "strategy_type", "status",
			"started_at", "completed_at", "error_message", "traceback").
		From("executions").
		Where(squirrel.Eq{"id": executionID}).
		ToSql()
	if err != nil {
		return optional.None[types.Execution](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var (
		execution    types.Execution
		status       string
		completedAt  sql.NullTime
		errorMessage sql.NullString
		traceback    sql.NullString
	)

	err = s.db.QueryRow(query, args...).Scan(
		&execution.ID, &execution.TaskType, &execution.TaskID, &execution.RunKey,
		&execution.Number, &execution.StrategyType, &status,
		&execution.StartedAt, &completedAt, &errorMessage, &traceback,
	)
	if err == sql.ErrNoRows {
		return optional.None[types.Execution](), nil
	}

	if err != nil {
		return optional.None[types.Execution](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to load execution", err)
	}

	execution.Status = types.ExecutionStatus(status)
	execution.CompletedAt = optional.None[time.Time]()
	execution.ErrorMessage = optional.None[string]()
	execution.Traceback = optional.None[string]()

	if completedAt.Valid {
		execution.CompletedAt = optional.Some(completedAt.Time)
	}

	if errorMessage.Valid {
		execution.ErrorMessage = optional.Some(errorMessage.String)
	}

	if traceback.Valid {
		execution.Traceback = optional.Some(traceback.String)
	}

	return optional.Some(execution), nil
}

// LatestExecutionNumber implements ExecutionRepo.
func (s *DuckDBStore) LatestExecutionNumber(taskType, taskID string) (int64, error) {
	query, args, err := s.sq.
		Select("COALESCE(MAX(number), 0)").
		From("executions").
		Where(squirrel.Eq{"task_type": taskType, "task_id": taskID}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var latest int64
	if err := s.db.QueryRow(query, args...).Scan(&latest); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query latest execution number", err)
	}

	return latest, nil
}

// MarkExecutionCompleted implements ExecutionRepo.
func (s *DuckDBStore) MarkExecutionCompleted(executionID string, status types.ExecutionStatus, completedAt time.Time) error {
	update := s.sq.
		Update("executions").
		Set("status", string(status)).
		Set("completed_at", completedAt).
		Where(squirrel.Eq{"id": executionID}).
		RunWith(s.db)

	if _, err := update.Exec(); err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to mark execution completed", err)
	}

	return nil
}

// MarkExecutionFailed implements ExecutionRepo.
func (s *DuckDBStore) MarkExecutionFailed(executionID, errorMessage, traceback string, completedAt time.Time) error {
	update := s.sq.
		Update("executions").
		Set("status", string(types.ExecutionStatusFailed)).
		Set("completed_at", completedAt).
		Set("error_message", errorMessage).
		Set("traceback", traceback).
		Where(squirrel.Eq{"id": executionID}).
		RunWith(s.db)

	if _, err := update.Exec(); err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to mark execution failed", err)
	}

	return nil
}

// Load implements StateStore. It resolves the most recent execution for the
// key and restores its highest-sequence snapshot.
func (s *DuckDBStore) Load(taskType, taskID, runKey string) (*types.ExecutionState, bool, error) {
	query, args, err := s.sq.
		Select("id").
		From("executions").
		Where(squirrel.Eq{"task_type": taskType, "task_id": taskID, "run_key": runKey}).
		OrderBy("number DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var executionID string

	err = s.db.QueryRow(query, args...).Scan(&executionID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeQueryFailed, "failed to resolve execution for state load", err)
	}

	snapshot, err := s.LoadLatest(executionID)
	if err != nil {
		return nil, false, err
	}

	if snapshot.IsNone() {
		return nil, false, nil
	}

	var state types.ExecutionState
	if err := json.Unmarshal(snapshot.Unwrap().State, &state); err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt state snapshot", err)
	}

	return &state, true, nil
}

// SaveSnapshot implements StateStore.
func (s *DuckDBStore) SaveSnapshot(executionID string, state *types.ExecutionState) (int64, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeExecutorStateSave, "failed to serialize execution state", err)
	}

	sequence, err := s.nextSequence("snapshots", executionID)
	if err != nil {
		return 0, err
	}

	insert := s.sq.
		Insert("snapshots").
		Columns("execution_id", "sequence", "created_at", "state").
		Values(executionID, sequence, time.Now().UTC(), string(payload)).
		RunWith(s.db)

	if _, err := insert.Exec(); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert snapshot", err)
	}

	return sequence, nil
}

// LoadLatest implements StateStore. Highest sequence wins.
func (s *DuckDBStore) LoadLatest(executionID string) (optional.Option[types.StateSnapshot], error) {
	query, args, err := s.sq.
		Select("execution_id", "sequence", "created_at", "state").
		From("snapshots").
		Where(squirrel.Eq{"execution_id": executionID}).
		OrderBy("sequence DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return optional.None[types.StateSnapshot](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var (
		snapshot types.StateSnapshot
		state    string
	)

	err = s.db.QueryRow(query, args...).Scan(&snapshot.ExecutionID, &snapshot.Sequence, &snapshot.CreatedAt, &state)
	if err == sql.ErrNoRows {
		return optional.None[types.StateSnapshot](), nil
	}

	if err != nil {
		return optional.None[types.StateSnapshot](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to load latest snapshot", err)
	}

	snapshot.State = json.RawMessage(state)

	return optional.Some(snapshot), nil
}

// Append implements EventStore. The event's schema version must be
// compatible with the current schema.
func (s *DuckDBStore) Append(executionID string, event types.Event) (int64, error) {
	if err := types.ValidateSchemaVersion(event.SchemaVersion); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeEventAppendFailed, "failed to serialize event payload", err)
	}

	sequence, err := s.nextSequence("events", executionID)
	if err != nil {
		return 0, err
	}

	insert := s.sq.
		Insert("events").
		Columns("execution_id", "sequence", "event_type", "strategy_type", "timestamp", "schema_version", "payload").
		Values(executionID, sequence, string(event.Type), event.StrategyType, event.Timestamp, event.SchemaVersion, string(payload)).
		RunWith(s.db)

	if _, err := insert.Exec(); err != nil {
		return 0, errors.Wrap(errors.ErrCodeEventAppendFailed, "failed to append event", err)
	}

	return sequence, nil
}

// ListEvents implements EventStore.
func (s *DuckDBStore) ListEvents(executionID string) ([]types.StoredEvent, error) {
	query, args, err := s.sq.
		Select("execution_id", "sequence", "event_type", "strategy_type", "timestamp", "schema_version", "payload").
		From("events").
		Where(squirrel.Eq{"execution_id": executionID}).
		OrderBy("sequence ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to list events", err)
	}
	defer rows.Close()

	var events []types.StoredEvent

	for rows.Next() {
		var (
			event     types.StoredEvent
			eventType string
			payload   string
		)

		err = rows.Scan(&event.ExecutionID, &event.Sequence, &eventType, &event.StrategyType,
			&event.Timestamp, &event.SchemaVersion, &payload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan event", err)
		}

		event.Type = types.EventType(eventType)
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate events", err)
	}

	return events, nil
}

// AppendMetrics implements MetricsStore with one batched insert per call.
func (s *DuckDBStore) AppendMetrics(records []types.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}

	insert := s.sq.
		Insert("metrics").
		Columns("execution_id", "timestamp", "realized_pnl", "unrealized_pnl", "bid", "ask", "mid", "total_trades")

	for _, record := range records {
		insert = insert.Values(
			record.ExecutionID, record.Timestamp,
			record.RealizedPnL.String(), record.UnrealizedPnL.String(),
			record.Bid.String(), record.Ask.String(), record.Mid.String(),
			record.TotalTrades,
		)
	}

	if _, err := insert.RunWith(s.db).Exec(); err != nil {
		return errors.Wrap(errors.ErrCodeMetricsWriteFailed, "failed to append metrics", err)
	}

	return nil
}

// LoadMetrics implements MetricsStore.
func (s *DuckDBStore) LoadMetrics(executionID string) ([]types.MetricRecord, error) {
	query, args, err := s.sq.
		Select("execution_id", "timestamp", "realized_pnl", "unrealized_pnl", "bid", "ask", "mid", "total_trades").
		From("metrics").
		Where(squirrel.Eq{"execution_id": executionID}).
		OrderBy("timestamp ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to load metrics", err)
	}
	defer rows.Close()

	var records []types.MetricRecord

	for rows.Next() {
		var (
			record                             types.MetricRecord
			realized, unrealized, bid, ask, mid string
		)

		err = rows.Scan(&record.ExecutionID, &record.Timestamp,
			&realized, &unrealized, &bid, &ask, &mid, &record.TotalTrades)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan metric record", err)
		}

		if record.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt realized_pnl value", err)
		}

		if record.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt unrealized_pnl value", err)
		}

		if record.Bid, err = decimal.NewFromString(bid); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt bid value", err)
		}

		if record.Ask, err = decimal.NewFromString(ask); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt ask value", err)
		}

		if record.Mid, err = decimal.NewFromString(mid); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "corrupt mid value", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to iterate metrics", err)
	}

	return records, nil
}

// SetTaskStatus implements TaskStatusRepo.
func (s *DuckDBStore) SetTaskStatus(taskType, taskID string, status types.ExecutionStatus) error {
	// DuckDB supports upsert via primary-key conflict
	_, err := s.db.Exec(
		`INSERT INTO task_status (task_type, task_id, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (task_type, task_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		taskType, taskID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to set task status", err)
	}

	return nil
}

// GetTaskStatus implements TaskStatusRepo.
func (s *DuckDBStore) GetTaskStatus(taskType, taskID string) (optional.Option[types.ExecutionStatus], error) {
	query, args, err := s.sq.
		Select("status").
		From("task_status").
		Where(squirrel.Eq{"task_type": taskType, "task_id": taskID}).
		ToSql()
	if err != nil {
		return optional.None[types.ExecutionStatus](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var status string

	err = s.db.QueryRow(query, args...).Scan(&status)
	if err == sql.ErrNoRows {
		return optional.None[types.ExecutionStatus](), nil
	}

	if err != nil {
		return optional.None[types.ExecutionStatus](), errors.Wrap(errors.ErrCodeQueryFailed, "failed to get task status", err)
	}

	return optional.Some(types.ExecutionStatus(status)), nil
}

// nextSequence returns the next 0-indexed sequence for an execution in the
// given table. Only one executor may legitimately hold the task lock, so
// there is no cross-process race on the max.
func (s *DuckDBStore) nextSequence(table, executionID string) (int64, error) {
	query, args, err := s.sq.
		Select("COALESCE(MAX(sequence) + 1, 0)").
		From(table).
		Where(squirrel.Eq{"execution_id": executionID}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var sequence int64
	if err := s.db.QueryRow(query, args...).Scan(&sequence); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to compute next sequence", err)
	}

	return sequence, nil
}
