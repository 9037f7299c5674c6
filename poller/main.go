// The poller periodically describes every pending job against the external
// job service and publishes terminal state changes to the message bus. It
// stands in for a managed event bridge and doubles as the recovery path for
// missed notifications: a terminal job keeps being re-published until its
// continuation is consumed.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/config"
	"batch-orchestrator/pkg/database"
	"batch-orchestrator/pkg/jobservice"
	"batch-orchestrator/pkg/mq"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return
	}

	dbClient, err := database.New()
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New()
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	svc := jobservice.NewBedrock(jobservice.BedrockOptions{Region: cfg.AWSRegion})

	interval := 60 * time.Second
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}

	ctx := context.Background()
	ticker := time.NewTicker(interval)
	for range ticker.C {
		pollJobs(ctx, dbClient, svc, mqClient, logger)
	}
}

func pollJobs(ctx context.Context, db *database.Client, svc jobservice.Service, mqClient *mq.Client, logger *slog.Logger) {
	jobIDs, err := db.ListBoundJobs(ctx)
	if err != nil {
		logger.Error("failed to list pending jobs", "error", err)
		return
	}
	for _, jobID := range jobIDs {
		state, err := svc.Describe(ctx, jobID)
		if err != nil {
			logger.Error("failed to describe job", "error", err, "job_id", jobID)
			continue
		}
		if !state.Status.Terminal() {
			continue
		}
		ev := batch.StatusEvent{
			JobID:     jobID,
			Status:    state.Status,
			OutputURI: state.OutputURI,
			Message:   state.Message,
			EmittedAt: time.Now().UTC(),
		}
		if err := mqClient.PublishStatusEvent(ctx, ev); err != nil {
			logger.Error("failed to publish status event", "error", err, "job_id", jobID)
			continue
		}
		logger.Info("published job state change", "job_id", jobID, "status", state.Status)
	}
}
