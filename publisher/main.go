package main

import (
	"context"
	"log/slog"
	"time"

	"geoflow/pkg/config"
	"geoflow/pkg/database"
	"geoflow/pkg/mq"
	"geoflow/pkg/observability"
)

// The publisher relays outbox rows to the broker. Because the rows were
// written in the same transaction as the state change they announce, a
// crash on either side of the publish leaves at worst a duplicate message,
// never a lost one, and the consumers are idempotent.
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

	delays := mq.RetrySchedule(cfg.Orchestrator.BaseRetryDelay, cfg.Orchestrator.RetrySteps)
	if err := mqClient.SetupTopology(delays); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	ticker := time.NewTicker(cfg.Publisher.Interval)
	defer ticker.Stop()
	for range ticker.C {
		relayOutbox(ctx, dbClient, mqClient, logger, cfg.Publisher.BatchSize)
	}
}

func relayOutbox(ctx context.Context, db *database.Client, mqClient *mq.Client, logger *slog.Logger, batchSize int) {
	messages, err := db.FetchOutbox(ctx, batchSize)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return
	}
	for _, m := range messages {
		if err := mqClient.Publish(ctx, m.Channel, m.Payload); err != nil {
			logger.Error("failed to publish outbox message", "error", err, "outbox_id", m.ID, "channel", m.Channel)
			continue
		}
		if err := db.DeleteOutbox(ctx, m.ID); err != nil {
			logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		observability.OutboxPublished.WithLabelValues(m.Channel).Inc()
	}
}
