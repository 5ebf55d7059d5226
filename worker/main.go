package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"geoflow/pkg/config"
	"geoflow/pkg/database"
	"geoflow/pkg/etl"
	"geoflow/pkg/handler"
	"geoflow/pkg/job"
	"geoflow/pkg/mq"
	"geoflow/pkg/observability"
	"geoflow/pkg/orchestrator"
	"geoflow/pkg/workflow"
)

var (
	core   *orchestrator.CoreMachine
	logger *slog.Logger
)

func main() {
	logger = observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.MQ)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	delays := mq.RetrySchedule(cfg.Orchestrator.BaseRetryDelay, cfg.Orchestrator.RetrySteps)
	if err := mqClient.SetupTopology(delays); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	workflows := workflow.NewRegistry()
	handlers := handler.NewRegistry()
	etl.Register(workflows, handlers)

	core = orchestrator.New(dbClient, mqClient, workflows, handlers, orchestrator.Config{
		BaseRetryDelay: cfg.Orchestrator.BaseRetryDelay,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetrySteps:     cfg.Orchestrator.RetrySteps,
	}, logger)

	observability.StartMetricsServer(cfg.Worker.MetricsAddr)

	jobDeliveries, err := mqClient.ConsumeJobs()
	if err != nil {
		slog.Error("failed to start consuming jobs", "error", err)
		return
	}
	taskDeliveries, err := mqClient.ConsumeTasks()
	if err != nil {
		slog.Error("failed to start consuming tasks", "error", err)
		return
	}

	var wg sync.WaitGroup
	startConsumers(ctx, &wg, "jobs", jobDeliveries, cfg.Worker.Concurrency, handleJobDelivery)
	startConsumers(ctx, &wg, "tasks", taskDeliveries, cfg.Worker.Concurrency, handleTaskDelivery)

	slog.Info("all consumers started, waiting for messages", "concurrency", cfg.Worker.Concurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping consumers")
	cancel()
	wg.Wait()
	slog.Info("all consumers stopped gracefully")
}

func startConsumers(ctx context.Context, wg *sync.WaitGroup, name string, deliveries <-chan amqp.Delivery, concurrency int, handle func(context.Context, amqp.Delivery)) {
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					handle(ctx, msg)
				}
			}
		}()
	}
	logger.Info("consumer pool started", "queue", name, "concurrency", concurrency)
}

func handleJobDelivery(ctx context.Context, d amqp.Delivery) {
	var msg job.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("undecodable job message, dead-lettering", "error", err)
		d.Nack(false, false)
		return
	}
	finish(d, core.HandleJobMessage(ctx, msg), logger.With("job_id", msg.JobID, "stage", msg.Stage))
}

func handleTaskDelivery(ctx context.Context, d amqp.Delivery) {
	var msg job.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("undecodable task message, dead-lettering", "error", err)
		d.Nack(false, false)
		return
	}
	finish(d, core.HandleTaskMessage(ctx, msg), logger.With("task_id", msg.TaskID, "job_id", msg.JobID))
}

// finish acks or nacks a delivery based on the orchestrator's verdict.
// Invalid-transition errors are contract violations: the message goes to
// the dead-letter queue where it stays visible instead of looping through
// redelivery. Transient errors requeue.
func finish(d amqp.Delivery, err error, l *slog.Logger) {
	switch {
	case err == nil:
		d.Ack(false)
	case errors.Is(err, database.ErrInvalidTransition), errors.Is(err, database.ErrNotFound):
		l.Error("contract violation while processing message, dead-lettering", "error", err)
		d.Nack(false, false)
	default:
		l.Error("transient failure while processing message, requeueing", "error", err)
		d.Nack(false, true)
	}
}
