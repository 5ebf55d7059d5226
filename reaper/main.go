package main

import (
	"context"
	"log/slog"
	"time"

	"geoflow/pkg/config"
	"geoflow/pkg/database"
	"geoflow/pkg/etl"
	"geoflow/pkg/handler"
	"geoflow/pkg/mq"
	"geoflow/pkg/observability"
	"geoflow/pkg/orchestrator"
	"geoflow/pkg/workflow"
)

// The reaper covers the two maintenance duties the core deliberately keeps
// out of the message path: pushing tasks with a stale heartbeat back
// through the bounded-retry path, and sweeping terminal jobs past the
// retention window.
func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	dbClient, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.MQ)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	workflows := workflow.NewRegistry()
	handlers := handler.NewRegistry()
	etl.Register(workflows, handlers)

	core := orchestrator.New(dbClient, mqClient, workflows, handlers, orchestrator.Config{
		BaseRetryDelay: cfg.Orchestrator.BaseRetryDelay,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetrySteps:     cfg.Orchestrator.RetrySteps,
	}, logger)

	ticker := time.NewTicker(cfg.Reaper.Interval)
	defer ticker.Stop()
	for range ticker.C {
		reapStaleTasks(ctx, dbClient, core, logger, cfg.Reaper.HeartbeatTimeout)
		sweepRetention(ctx, dbClient, logger, cfg.Reaper.Retention)
	}
}

func reapStaleTasks(ctx context.Context, db *database.Client, core *orchestrator.CoreMachine, logger *slog.Logger, timeout time.Duration) {
	stale, err := db.StaleProcessingTasks(ctx, timeout.Seconds(), 100)
	if err != nil {
		logger.Error("failed to list stale tasks", "error", err)
		return
	}
	for i := range stale {
		t := &stale[i]
		if err := core.RecoverTask(ctx, t, "task heartbeat expired"); err != nil {
			logger.Error("failed to recover stale task", "error", err, "task_id", t.ID)
		}
	}
	if len(stale) > 0 {
		logger.Info("stale tasks recovered", "count", len(stale))
	}
}

func sweepRetention(ctx context.Context, db *database.Client, logger *slog.Logger, retention time.Duration) {
	deleted, err := db.DeleteFinishedJobsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("retention sweep removed finished jobs", "count", deleted)
	}
}
