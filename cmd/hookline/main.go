// Command hookline runs the workflow execution core: the trigger scheduler,
// the step worker, or both in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hookline/hookline/internal/connectors"
	"github.com/hookline/hookline/internal/executor"
	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/scheduler"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/token"
	"github.com/hookline/hookline/pkg/connector"
)

const usage = `Usage: hookline <command>

Commands:
  migrate     apply database migrations and exit
  scheduler   run the trigger scheduler
  worker      run the step executor
  all         run scheduler and executor in one process
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookline: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	if err := run(command, cfg, logger); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(command string, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if command == "migrate" {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied", slog.String("db_path", cfg.DBPath))
		return nil
	}

	registry, err := connectors.BuildRegistry(cfg.Connectors, logger)
	if err != nil {
		return err
	}
	logger.Info("app catalog ready", slog.Int("apps", registry.Count()))

	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	refresher := token.NewRefresher(st, logger)

	switch command {
	case "scheduler":
		return runScheduler(ctx, cfg, st, registry, q, refresher, logger)
	case "worker":
		return runWorker(ctx, cfg, st, registry, q, refresher, logger)
	case "all":
		return runAll(ctx, cfg, st, registry, q, refresher, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(dbPath string) (*store.LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath = "file:" + dbPath
	}
	return store.NewLibSQLStore(dbPath)
}

// openQueue picks the broker: RabbitMQ when an AMQP URL is configured,
// otherwise the in-process queue (only meaningful for the `all` command).
func openQueue(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.AMQPURL == "" {
		logger.Info("no AMQP URL configured, using in-memory queue")
		return queue.NewMemoryQueue(logger), nil
	}
	return queue.NewRabbitQueue(ctx, cfg.AMQPURL, cfg.Exchange, logger)
}

func runScheduler(ctx context.Context, cfg Config, st store.Store, registry *connector.Registry, q queue.Queue, refresher *token.Refresher, logger *slog.Logger) error {
	sched := scheduler.New(st, registry, q, refresher, logger, cfg.PollInterval)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sched.Stop()
	return nil
}

func runWorker(ctx context.Context, cfg Config, st store.Store, registry *connector.Registry, q queue.Queue, refresher *token.Refresher, logger *slog.Logger) error {
	exec := executor.New(st, registry, q, refresher, logger, cfg.WorkerCount)
	if err := exec.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func runAll(ctx context.Context, cfg Config, st store.Store, registry *connector.Registry, q queue.Queue, refresher *token.Refresher, logger *slog.Logger) error {
	exec := executor.New(st, registry, q, refresher, logger, cfg.WorkerCount)
	if err := exec.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(st, registry, q, refresher, logger, cfg.PollInterval)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	sched.Stop()
	return nil
}
