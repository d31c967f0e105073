package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/executor"
	"github.com/gridflow-lab/gridflow/internal/kv"
	"github.com/gridflow-lab/gridflow/internal/lock"
	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/metrics"
	"github.com/gridflow-lab/gridflow/internal/orders"
	"github.com/gridflow-lab/gridflow/internal/store"
	"github.com/gridflow-lab/gridflow/internal/strategy"
	"github.com/gridflow-lab/gridflow/internal/strategy/floor"
	"github.com/gridflow-lab/gridflow/internal/ticks"
)

func kvStore(cmd *cli.Command) kv.Store {
	if addr := cmd.String("redis-addr"); addr != "" {
		return kv.NewRedisStoreFromAddr(addr)
	}

	return kv.NewMemoryStore()
}

func openStore(cmd *cli.Command, log *logger.Logger) (*store.DuckDBStore, error) {
	db, err := store.NewDuckDBStore(cmd.String("db"), log)
	if err != nil {
		return nil, err
	}

	if err := db.Initialize(); err != nil {
		db.Close() //nolint:errcheck

		return nil, err
	}

	return db, nil
}

func tickSource(ctx context.Context, cmd *cli.Command, log *logger.Logger) (ticks.Source, error) {
	_ = ctx

	batchSize := int(cmd.Int("batch-size"))

	switch source := cmd.String("source"); source {
	case "csv":
		return ticks.NewCSVSource(cmd.String("csv-path"), batchSize)
	case "websocket":
		return ticks.NewWebsocketSource(ticks.WebsocketConfig{
			URL:         cmd.String("ws-url"),
			BatchSize:   batchSize,
			IdleTimeout: 2 * time.Second,
		}, log), nil
	case "binance":
		return ticks.NewBinanceSource(cmd.String("symbol"), batchSize, 2*time.Second, log)
	default:
		return nil, fmt.Errorf("unknown tick source %q (csv, websocket, binance)", source)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	appLogger, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer appLogger.Sync() //nolint:errcheck

	db, err := openStore(cmd, appLogger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	strategyConfig := ""

	if path := cmd.String("strategy-config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read strategy config: %w", err)
		}

		strategyConfig = string(raw)
	}

	registry := strategy.NewRegistry()
	registry.Register(floor.StrategyType, floor.Factory)

	locks := lock.NewManager(kvStore(cmd), lock.Config{
		StaleThreshold: cmd.Duration("stale-threshold"),
		LockTTL:        cmd.Duration("lock-ttl"),
	}, appLogger)

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = "worker"
	}

	config := executor.Config{
		TaskType:       cmd.String("task-type"),
		TaskID:         cmd.String("task-id"),
		RunKey:         cmd.String("run-key"),
		WorkerID:       workerID,
		StrategyType:   cmd.String("strategy"),
		StrategyConfig: strategyConfig,
		InitialBalance: decimal.NewFromFloat(cmd.Float("initial-balance")),
	}

	stores := executor.Stores{
		States:     db,
		Events:     db,
		Executions: db,
		Statuses:   db,
		Metrics:    db,
	}

	dispatcher := orders.NewSimulatedDispatcher(appLogger)
	lifecycle := executor.NewLifecycle(db, db, db, nil, appLogger)
	taskExecutor := executor.NewTaskExecutor(config, locks, stores, registry, dispatcher, lifecycle, appLogger)

	source, err := tickSource(ctx, cmd, appLogger)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM translate into a cancellation flag so the run stops
	// at the next batch boundary with a clean STOPPED status.
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-signalCtx.Done()

		if ctx.Err() != nil {
			return
		}

		appLogger.Info("shutdown signal received, requesting cancellation")

		if err := locks.SetCancellationFlag(context.Background(), config.TaskType, config.TaskID); err != nil {
			appLogger.Error("failed to set cancellation flag", zap.Error(err))
		}
	}()

	return taskExecutor.Run(ctx, source)
}

func cancelAction(ctx context.Context, cmd *cli.Command) error {
	appLogger, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer appLogger.Sync() //nolint:errcheck

	locks := lock.NewManager(kvStore(cmd), lock.DefaultConfig(), appLogger)

	taskType := cmd.String("task-type")
	taskID := cmd.String("task-id")

	if err := locks.SetCancellationFlag(ctx, taskType, taskID); err != nil {
		return err
	}

	appLogger.Info("cancellation requested",
		zap.String("task_type", taskType),
		zap.String("task_id", taskID))

	return nil
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	appLogger, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer appLogger.Sync() //nolint:errcheck

	locks := lock.NewManager(kvStore(cmd), lock.Config{
		StaleThreshold: cmd.Duration("stale-threshold"),
	}, appLogger)

	taskType := cmd.String("task-type")
	swept := 0

	for _, taskID := range cmd.StringSlice("task-ids") {
		taskID = strings.TrimSpace(taskID)
		if taskID == "" {
			continue
		}

		released, err := locks.CleanupStaleLock(ctx, taskType, taskID)
		if err != nil {
			appLogger.Error("stale lock sweep failed",
				zap.String("task_id", taskID), zap.Error(err))

			continue
		}

		if released {
			swept++
			appLogger.Info("released stale lock",
				zap.String("task_type", taskType),
				zap.String("task_id", taskID))
		}
	}

	appLogger.Info("sweep finished", zap.Int("released", swept))

	return nil
}

func metricsAction(_ context.Context, cmd *cli.Command) error {
	appLogger, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer appLogger.Sync() //nolint:errcheck

	db, err := openStore(cmd, appLogger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	records, err := db.LoadMetrics(cmd.String("execution-id"))
	if err != nil {
		return err
	}

	bins, err := metrics.Aggregate(records, cmd.Int("granularity"))
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(bins)
}

func schemaAction(_ context.Context, _ *cli.Command) error {
	rendered, err := floor.JSONSchema()
	if err != nil {
		return err
	}

	fmt.Println(string(rendered))

	return nil
}

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	taskFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "task-type",
			Usage:    "Task type segment of the lock keys",
			Value:    "trade",
			Required: false,
		},
		&cli.StringFlag{
			Name:     "task-id",
			Usage:    "Task identifier",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for locks (in-memory store when empty)",
			Sources: cli.EnvVars("GRIDFLOW_REDIS_ADDR"),
		},
	}

	cmd := &cli.Command{
		Name:  "worker",
		Usage: "Run, cancel, and supervise resumable trading task executions",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Execute a task against a tick source",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "run-key",
						Usage:    "Resumption key; runs sharing it resume each other's state",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Strategy type to execute",
						Value: floor.StrategyType,
					},
					&cli.StringFlag{
						Name:  "strategy-config",
						Usage: "Path to the strategy YAML config (defaults when empty)",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "Tick source: csv, websocket, binance",
						Value: "csv",
					},
					&cli.StringFlag{
						Name:  "csv-path",
						Usage: "Tick CSV path for the csv source",
					},
					&cli.StringFlag{
						Name:    "ws-url",
						Usage:   "Websocket URL for the websocket source",
						Sources: cli.EnvVars("GRIDFLOW_WS_URL"),
					},
					&cli.StringFlag{
						Name:  "symbol",
						Usage: "Symbol for the binance source",
						Value: "EURUSDT",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Ticks per batch",
						Value: 100,
					},
					&cli.FloatFlag{
						Name:  "initial-balance",
						Usage: "Starting balance for fresh runs",
						Value: 10000,
					},
					&cli.StringFlag{
						Name:    "db",
						Usage:   "DuckDB database path",
						Value:   "gridflow.db",
						Sources: cli.EnvVars("GRIDFLOW_DB"),
					},
					&cli.DurationFlag{
						Name:  "lock-ttl",
						Usage: "Cache-level lock auto-expiry",
						Value: lock.DefaultLockTTL,
					},
					&cli.DurationFlag{
						Name:  "stale-threshold",
						Usage: "Heartbeat age before a lock counts as stale",
						Value: lock.DefaultStaleThreshold,
					},
				}, taskFlags...),
				Action: runAction,
			},
			{
				Name:   "cancel",
				Usage:  "Set the cancellation flag for a running task",
				Flags:  taskFlags,
				Action: cancelAction,
			},
			{
				Name:  "sweep",
				Usage: "Release stale locks left behind by dead workers",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:  "task-ids",
						Usage: "Task identifiers to sweep",
					},
					&cli.DurationFlag{
						Name:  "stale-threshold",
						Usage: "Heartbeat age before a lock counts as stale",
						Value: lock.DefaultStaleThreshold,
					},
				}, taskFlags[0], taskFlags[2]),
				Action: sweepAction,
			},
			{
				Name:  "metrics",
				Usage: "Aggregate an execution's metrics stream into time bins",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "execution-id",
						Usage:    "Execution to aggregate",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "granularity",
						Usage: "Bin width in seconds",
						Value: 60,
					},
					&cli.StringFlag{
						Name:    "db",
						Usage:   "DuckDB database path",
						Value:   "gridflow.db",
						Sources: cli.EnvVars("GRIDFLOW_DB"),
					},
				},
				Action: metricsAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the floor strategy config JSON schema",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
