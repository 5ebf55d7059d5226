package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"geoflow/pkg/config"
	"geoflow/pkg/database"
	"geoflow/pkg/etl"
	"geoflow/pkg/handler"
	"geoflow/pkg/mq"
	"geoflow/pkg/observability"
	"geoflow/pkg/orchestrator"
	"geoflow/pkg/workflow"
)

var (
	dbClient *database.Client
	core     *orchestrator.CoreMachine
	logger   *slog.Logger
)

func main() {
	logger = observability.NewLogger()
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	var err error
	dbClient, err = database.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	if err := dbClient.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
		return
	}

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

	observability.StartMetricsServer(cfg.API.MetricsAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", handleSubmitJob)
	mux.HandleFunc("GET /jobs/{id}", handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/tasks", handleGetJobTasks)
	mux.HandleFunc("GET /health", handleHealth)

	slog.Info("API server starting", "addr", cfg.API.Addr)
	if err := http.ListenAndServe(cfg.API.Addr, mux); err != nil {
		slog.Error("api server failed", "error", err)
	}
}

type submissionRequest struct {
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters"`
}

func handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	j, created, err := core.Submit(r.Context(), req.JobType, req.Parameters)
	if err != nil {
		var verr *orchestrator.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, workflow.ErrUnknownWorkflow):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("failed to submit job", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(j)
}

func handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := dbClient.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get job", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

func handleGetJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := dbClient.ListJobTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("failed to list job tasks", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := dbClient.Ping(r.Context()); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
