package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"batch-orchestrator/pkg/config"
	"batch-orchestrator/pkg/database"
	"batch-orchestrator/pkg/dataset"
	"batch-orchestrator/pkg/jobservice"
	"batch-orchestrator/pkg/listener"
	"batch-orchestrator/pkg/mq"
	"batch-orchestrator/pkg/notify"
	"batch-orchestrator/pkg/observability"
	"batch-orchestrator/pkg/pipeline"
	"batch-orchestrator/pkg/postprocess"
	"batch-orchestrator/pkg/preprocess"
	"batch-orchestrator/pkg/prompt"
	"batch-orchestrator/pkg/storage"
	"batch-orchestrator/pkg/submit"
	"batch-orchestrator/pkg/token"
)

func main() {
	configPath := flag.String("config", "pipeline.json", "path to the pipeline configuration")
	promptsPath := flag.String("prompts", "prompts.json", "path to the prompt template registry")
	flag.Parse()

	_ = godotenv.Load()

	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	pipelineCfg, err := pipeline.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load pipeline config", "error", err)
		os.Exit(1)
	}
	reg, err := prompt.LoadRegistry(*promptsPath)
	if err != nil {
		slog.Error("failed to load prompt registry", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.New()
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	if err := dbClient.InitSchema(context.Background()); err != nil {
		slog.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	mqClient, err := mq.New()
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()
	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		os.Exit(1)
	}

	store := storage.NewS3Store(storage.Options{
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		KeyID:    cfg.S3KeyID,
		Secret:   cfg.S3Secret,
	})
	svc := jobservice.NewBedrock(jobservice.BedrockOptions{Region: cfg.AWSRegion})

	var datasets preprocess.DatasetFetcher
	if cfg.DatasetAPIURL != "" {
		datasets = dataset.New(cfg.DatasetAPIURL)
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Completion listener and timeout sweeper run alongside the pipeline.
	waiter := token.NewWaiter()
	lst := listener.New(dbClient, waiter, logger)
	deliveries, err := mqClient.ConsumeStatusEvents()
	if err != nil {
		slog.Error("failed to consume status events", "error", err)
		os.Exit(1)
	}
	go lst.Run(ctx, deliveries)
	go lst.RunSweeper(ctx, time.Minute)

	submitter := submit.New(svc, dbClient, waiter, cfg.JobRoleARN, cfg.MaxConcurrency, cfg.JobTimeoutHours, logger)
	orch := pipeline.NewOrchestrator(
		reg,
		preprocess.New(store, datasets, reg, cfg.S3Bucket, logger),
		submitter,
		postprocess.New(store, reg, cfg.S3Bucket, logger),
		pipeline.NewTransformer(store, cfg.S3Bucket, logger),
		dbClient,
		notify.New(mqClient, store, logger),
		cfg.MaxRecordsPerJob,
		logger,
	)

	report, err := orch.Run(ctx, pipelineCfg)
	if err != nil {
		if errors.Is(err, pipeline.ErrValidation) {
			slog.Error("pipeline rejected by validation", "error", err)
		} else {
			slog.Error("pipeline run failed", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("pipeline finished", "run_id", report.RunID, "stages", len(report.Results))
}
