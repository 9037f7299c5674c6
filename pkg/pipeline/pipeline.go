// Package pipeline validates declarative pipeline configurations and runs
// them: stages execute strictly in order, jobs within a stage fan out under
// a concurrency bound, and a single notification closes the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/observability"
	"batch-orchestrator/pkg/postprocess"
	"batch-orchestrator/pkg/preprocess"
	"batch-orchestrator/pkg/prompt"
	"batch-orchestrator/pkg/submit"
)

// ErrValidation marks configuration errors detected before any submission.
var ErrValidation = errors.New("pipeline validation failed")

// RunStore persists run and stage history so executions stay queryable.
// Implemented by pkg/database.
type RunStore interface {
	CreateRun(ctx context.Context, pipelineName string) (string, error)
	FinishRun(ctx context.Context, runID, status, errStr string) error
	RecordStageResult(ctx context.Context, runID string, position int, stageName, outputURI string, recordCount int) error
}

// Notifier sends the end-of-run message. Implemented by pkg/notify.
type Notifier interface {
	NotifySuccess(ctx context.Context, pipelineName string, expiryDays int, results []batch.StageResult) error
	NotifyFailure(ctx context.Context, pipelineName, stageName string, cause error) error
}

type Orchestrator struct {
	reg              *prompt.Registry
	pre              *preprocess.Preprocessor
	sub              *submit.Submitter
	post             *postprocess.Postprocessor
	trans            *Transformer
	runs             RunStore
	notifier         Notifier
	defaultMaxPerJob int
	logger           *slog.Logger
}

func NewOrchestrator(
	reg *prompt.Registry,
	pre *preprocess.Preprocessor,
	sub *submit.Submitter,
	post *postprocess.Postprocessor,
	trans *Transformer,
	runs RunStore,
	notifier Notifier,
	defaultMaxPerJob int,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		reg:              reg,
		pre:              pre,
		sub:              sub,
		post:             post,
		trans:            trans,
		runs:             runs,
		notifier:         notifier,
		defaultMaxPerJob: defaultMaxPerJob,
		logger:           logger,
	}
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID   string
	Results []batch.StageResult
}

// Run executes the pipeline: Validating, then each stage strictly in order,
// then Notifying. The first unrecoverable stage failure fails the whole run.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*Report, error) {
	validation := Validate(cfg, o.reg)
	for _, w := range validation.Warnings {
		o.logger.Warn("pipeline validation warning", "pipeline", cfg.PipelineName, "warning", w)
	}
	if !validation.Valid {
		for _, e := range validation.Errors {
			o.logger.Error("pipeline validation error", "pipeline", cfg.PipelineName, "error", e)
		}
		return nil, fmt.Errorf("%w: %d error(s), first: %s", ErrValidation, len(validation.Errors), validation.Errors[0])
	}

	runID, err := o.runs.CreateRun(ctx, cfg.PipelineName)
	if err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	o.logger.Info("pipeline run started", "pipeline", cfg.PipelineName, "run_id", runID, "stages", len(cfg.Stages))

	report := &Report{RunID: runID}
	var prev batch.StageResult
	for idx, stage := range cfg.Stages {
		result, err := o.runStage(ctx, cfg, idx, stage, prev)
		if err != nil {
			o.failRun(ctx, cfg, runID, stage.StageName, err)
			return report, fmt.Errorf("stage %q: %w", stage.StageName, err)
		}
		if err := o.runs.RecordStageResult(ctx, runID, idx, stage.StageName, result.OutputURI, result.RecordCount); err != nil {
			o.logger.Error("failed to record stage result", "run_id", runID, "error", err)
		}
		report.Results = append(report.Results, result)
		prev = result
	}

	// Notification failures are logged only: the run already succeeded.
	if err := o.notifier.NotifySuccess(ctx, cfg.PipelineName, cfg.PresignedURLExpiryDays, report.Results); err != nil {
		o.logger.Error("failed to send completion notification", "run_id", runID, "error", err)
	}
	if err := o.runs.FinishRun(ctx, runID, "Succeeded", ""); err != nil {
		o.logger.Error("failed to finish run record", "run_id", runID, "error", err)
	}
	o.logger.Info("pipeline run succeeded", "pipeline", cfg.PipelineName, "run_id", runID)
	return report, nil
}

func (o *Orchestrator) runStage(ctx context.Context, cfg Config, idx int, stage Stage, prev batch.StageResult) (batch.StageResult, error) {
	started := time.Now()
	defer func() {
		observability.StageDuration.WithLabelValues(stage.StageName).Observe(time.Since(started).Seconds())
	}()
	l := o.logger.With("pipeline", cfg.PipelineName, "stage", stage.StageName)

	inputURI := stage.InputS3URI
	if stage.UsePreviousOutput {
		var err error
		inputURI, err = o.trans.Apply(ctx, stage, cfg.Stages[idx-1].JobNamePrefix, prev)
		if err != nil {
			return batch.StageResult{}, fmt.Errorf("transform previous output: %w", err)
		}
	}

	maxPerJob := stage.MaxRecordsPerJob
	if maxPerJob <= 0 {
		maxPerJob = o.defaultMaxPerJob
	}
	prepared, err := o.pre.Prepare(ctx, preprocess.Params{
		StageName:        stage.StageName,
		ModelID:          stage.ModelID,
		InputURI:         inputURI,
		DatasetID:        stage.DatasetID,
		DatasetSplit:     stage.DatasetSplit,
		InputType:        stage.InputType,
		JobNamePrefix:    stage.JobNamePrefix,
		PromptConfig:     stage.PromptConfig,
		MaxNumJobs:       stage.MaxNumJobs,
		MaxRecordsPerJob: maxPerJob,
	})
	if err != nil {
		return batch.StageResult{}, fmt.Errorf("preprocess: %w", err)
	}

	if len(prepared.Plans) == 0 {
		l.Warn("stage produced no jobs, continuing with empty result")
		result, err := o.post.Consolidate(ctx, stage.StageName, stage.JobNamePrefix, nil)
		if err != nil {
			return batch.StageResult{}, err
		}
		result.Skipped = prepared.Skipped
		return result, nil
	}

	l.Info("submitting stage jobs", "jobs", len(prepared.Plans), "records", prepared.TotalRecords)
	results, err := o.sub.SubmitAll(ctx, stage.StageName, prepared.Plans)
	if err != nil {
		return batch.StageResult{}, fmt.Errorf("submit: %w", err)
	}
	for _, res := range results {
		if !res.Status.Succeeded() {
			// No partial-stage success: one failed job fails the stage.
			return batch.StageResult{}, fmt.Errorf("job %q finished %s: %s", res.JobName, res.Status, res.Message)
		}
	}

	outputs := make([]postprocess.JobOutput, len(results))
	for i, res := range results {
		out, err := o.post.ProcessJob(ctx, prepared.Plans[i], res.OutputURI)
		if err != nil {
			return batch.StageResult{}, fmt.Errorf("postprocess job %q: %w", res.JobName, err)
		}
		outputs[i] = out
	}

	result, err := o.post.Consolidate(ctx, stage.StageName, stage.JobNamePrefix, outputs)
	if err != nil {
		return batch.StageResult{}, err
	}
	result.Skipped = prepared.Skipped
	return result, nil
}

func (o *Orchestrator) failRun(ctx context.Context, cfg Config, runID, stageName string, cause error) {
	// Best effort: the run is already failing.
	ctx = context.WithoutCancel(ctx)
	if err := o.notifier.NotifyFailure(ctx, cfg.PipelineName, stageName, cause); err != nil {
		o.logger.Error("failed to send failure notification", "run_id", runID, "error", err)
	}
	if err := o.runs.FinishRun(ctx, runID, "Failed", cause.Error()); err != nil {
		o.logger.Error("failed to finish run record", "run_id", runID, "error", err)
	}
	o.logger.Error("pipeline run failed", "pipeline", cfg.PipelineName, "run_id", runID,
		"stage", stageName, "error", cause)
}
