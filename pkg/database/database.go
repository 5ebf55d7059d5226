// Package database is the durable store and the system's only locking
// authority. Every job/task status write goes through the guarded
// statements and advisory-lock transactions here, never through ad hoc
// read-modify-write in orchestrator code.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geoflow/pkg/config"
)

var (
	// ErrNotFound is returned when a job or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a guarded status update
	// matches no row, i.e. the caller attempted a transition the state
	// machine rejects. Callers must let it propagate; suppressing it is
	// how redelivery storms start.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// InitSchema creates the tables and enums the core needs. Idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    DO $$ BEGIN
        CREATE TYPE job_status AS ENUM ('QUEUED', 'PROCESSING', 'COMPLETED', 'FAILED', 'COMPLETED_WITH_ERRORS');
    EXCEPTION WHEN duplicate_object THEN NULL; END $$;
    DO $$ BEGIN
        CREATE TYPE task_status AS ENUM ('QUEUED', 'PROCESSING', 'COMPLETED', 'FAILED');
    EXCEPTION WHEN duplicate_object THEN NULL; END $$;

    CREATE TABLE IF NOT EXISTS jobs (
        job_id        TEXT PRIMARY KEY,
        job_type      TEXT NOT NULL,
        status        job_status NOT NULL DEFAULT 'QUEUED',
        stage         INTEGER NOT NULL DEFAULT 1,
        total_stages  INTEGER NOT NULL,
        parameters    JSONB NOT NULL DEFAULT '{}',
        stage_results JSONB NOT NULL DEFAULT '{}',
        result_data   JSONB,
        error_message TEXT,
        failed_stage  INTEGER,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

    CREATE TABLE IF NOT EXISTS tasks (
        task_id       TEXT PRIMARY KEY,
        job_id        TEXT NOT NULL REFERENCES jobs(job_id),
        task_type     TEXT NOT NULL,
        stage         INTEGER NOT NULL,
        status        task_status NOT NULL DEFAULT 'QUEUED',
        parameters    JSONB NOT NULL DEFAULT '{}',
        result_data   JSONB,
        error_message TEXT,
        retry_count   INTEGER NOT NULL DEFAULT 0,
        max_retries   INTEGER NOT NULL DEFAULT 3,
        last_pulse    TIMESTAMPTZ,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_tasks_job_stage ON tasks (job_id, stage);
    CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

    -- Transactional outbox: message rows are written in the same
    -- transaction as the state change that warrants them and relayed to
    -- the broker by the publisher process.
    CREATE TABLE IF NOT EXISTS outbox (
        id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        channel     TEXT NOT NULL,
        payload     JSONB NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// lockStage takes the per-(job, stage) advisory lock that serializes the
// completion-count check for the duration of the transaction.
func lockStage(ctx context.Context, tx pgx.Tx, jobID string, stage int) error {
	key := fmt.Sprintf("%s:%d", jobID, stage)
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

// lockJob takes the job-level advisory lock guarding stage advancement.
func lockJob(ctx context.Context, tx pgx.Tx, jobID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, jobID)
	return err
}
