package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Client struct {
	pool *pgxpool.Pool
}

func New() (*Client, error) {
	ctx := context.Background()

	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(os.Getenv("DATABASE_URL"))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Allow tuning the maximum connections via environment variable to avoid exhausting Postgres.
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, errConv := strconv.Atoi(v); errConv == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// InitSchema creates the necessary tables.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    -- One row per suspended submission slot. job_id is NULL between the
    -- pre-submission write and the bind that follows a successful submit.
    CREATE TABLE IF NOT EXISTS pending_continuations (
        client_token UUID PRIMARY KEY,
        job_id TEXT UNIQUE,
        token TEXT NOT NULL,
        job_name TEXT NOT NULL,
        deadline TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_pending_continuations_deadline
        ON pending_continuations (deadline) WHERE deadline IS NOT NULL;

    CREATE TABLE IF NOT EXISTS pipeline_runs (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        pipeline_name TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'Running',
        last_error TEXT,
        started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        finished_at TIMESTAMPTZ
    );

    CREATE TABLE IF NOT EXISTS stage_results (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        run_id UUID NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
        position INTEGER NOT NULL,
        stage_name TEXT NOT NULL,
        output_uri TEXT NOT NULL,
        record_count INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// Continuation is a durable record of a suspended submission slot, keyed by
// the external job identifier once one is known.
type Continuation struct {
	ClientToken string
	JobID       string
	Token       string
	JobName     string
	Deadline    *time.Time
	CreatedAt   time.Time
}

// PutContinuation writes the continuation record before the external submit
// call, so a submission retry or a completion racing the write cannot lose it.
func (c *Client) PutContinuation(ctx context.Context, clientToken, token, jobName string, deadline *time.Time) error {
	query := `INSERT INTO pending_continuations (client_token, token, job_name, deadline) VALUES ($1, $2, $3, $4)`
	_, err := c.pool.Exec(ctx, query, clientToken, token, jobName, deadline)
	return err
}

// BindJob attaches the job id the external service assigned at submission.
func (c *Client) BindJob(ctx context.Context, clientToken, jobID string) error {
	ct, err := c.pool.Exec(ctx,
		`UPDATE pending_continuations SET job_id = $2 WHERE client_token = $1`, clientToken, jobID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("no pending continuation for client token %s", clientToken)
	}
	return nil
}

// ConsumeContinuation atomically removes and returns the continuation for a
// job id. Returns nil if it was already consumed (or never existed), which is
// how duplicate completion notifications become no-ops.
func (c *Client) ConsumeContinuation(ctx context.Context, jobID string) (*Continuation, error) {
	cont := &Continuation{}
	var deadline *time.Time
	query := `
        DELETE FROM pending_continuations
        WHERE job_id = $1
        RETURNING client_token, job_id, token, job_name, deadline, created_at
    `
	err := c.pool.QueryRow(ctx, query, jobID).Scan(
		&cont.ClientToken, &cont.JobID, &cont.Token, &cont.JobName, &deadline, &cont.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cont.Deadline = deadline
	return cont, nil
}

// DeleteContinuation removes a record by client token, used when the submit
// call itself fails permanently and there is nothing to wait for.
func (c *Client) DeleteContinuation(ctx context.Context, clientToken string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM pending_continuations WHERE client_token = $1`, clientToken)
	return err
}

// ExpireContinuations consumes every continuation whose deadline has elapsed
// and returns them so the caller can force-resume each with a timeout failure.
func (c *Client) ExpireContinuations(ctx context.Context, now time.Time) ([]Continuation, error) {
	query := `
        DELETE FROM pending_continuations
        WHERE deadline IS NOT NULL AND deadline <= $1
        RETURNING client_token, job_id, token, job_name, deadline, created_at
    `
	rows, err := c.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expired := []Continuation{}
	for rows.Next() {
		var cont Continuation
		var jobID *string
		if err := rows.Scan(&cont.ClientToken, &jobID, &cont.Token, &cont.JobName, &cont.Deadline, &cont.CreatedAt); err != nil {
			return nil, err
		}
		if jobID != nil {
			cont.JobID = *jobID
		}
		expired = append(expired, cont)
	}
	return expired, rows.Err()
}

// ListBoundJobs returns the job ids of all pending continuations that have
// been bound to an external job. Used by the status poller.
func (c *Client) ListBoundJobs(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT job_id FROM pending_continuations WHERE job_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, rows.Err()
}

// CreateRun records the start of a pipeline run and returns its id.
func (c *Client) CreateRun(ctx context.Context, pipelineName string) (string, error) {
	var runID string
	query := `INSERT INTO pipeline_runs (pipeline_name) VALUES ($1) RETURNING id`
	err := c.pool.QueryRow(ctx, query, pipelineName).Scan(&runID)
	return runID, err
}

// FinishRun marks a run terminal. errStr is empty on success.
func (c *Client) FinishRun(ctx context.Context, runID, status, errStr string) error {
	query := `UPDATE pipeline_runs SET status = $1, last_error = NULLIF($2, ''), finished_at = NOW() WHERE id = $3`
	_, err := c.pool.Exec(ctx, query, status, errStr, runID)
	return err
}

// RecordStageResult persists one stage's consolidated output for the run
// history and the final notification.
func (c *Client) RecordStageResult(ctx context.Context, runID string, position int, stageName, outputURI string, recordCount int) error {
	query := `INSERT INTO stage_results (run_id, position, stage_name, output_uri, record_count) VALUES ($1, $2, $3, $4, $5)`
	_, err := c.pool.Exec(ctx, query, runID, position, stageName, outputURI, recordCount)
	return err
}
