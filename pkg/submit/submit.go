// Package submit creates one external inference job per batch-input file,
// bounded by a global in-flight cap. Each submission slot suspends on a
// durable continuation until the completion listener resumes it.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/jobservice"
	"batch-orchestrator/pkg/observability"
	"batch-orchestrator/pkg/token"
)

const maxAttempts = 3

// ContinuationStore is the durable half of the continuation table.
// Implemented by pkg/database.
type ContinuationStore interface {
	PutContinuation(ctx context.Context, clientToken, token, jobName string, deadline *time.Time) error
	BindJob(ctx context.Context, clientToken, jobID string) error
	DeleteContinuation(ctx context.Context, clientToken string) error
}

type Submitter struct {
	svc            jobservice.Service
	store          ContinuationStore
	waiter         *token.Waiter
	roleARN        string
	maxConcurrency int
	timeoutHours   int
	logger         *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(svc jobservice.Service, store ContinuationStore, waiter *token.Waiter, roleARN string, maxConcurrency, timeoutHours int, logger *slog.Logger) *Submitter {
	return &Submitter{
		svc:            svc,
		store:          store,
		waiter:         waiter,
		roleARN:        roleARN,
		maxConcurrency: maxConcurrency,
		timeoutHours:   timeoutHours,
		logger:         logger,
		sleep:          sleepCtx,
	}
}

// SubmitAll submits every plan, at most maxConcurrency in flight at a time,
// and blocks until all continuations have been resumed. Job-level failures
// land in the results; the returned error is reserved for infrastructure
// failures that abort the stage outright.
func (s *Submitter) SubmitAll(ctx context.Context, stageName string, plans []batch.JobPlan) ([]batch.JobResult, error) {
	results := make([]batch.JobResult, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i := range plans {
		i := i
		g.Go(func() error {
			res, err := s.submitOne(gctx, stageName, plans[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// submitOne writes the continuation record, creates the external job, and
// suspends until the listener (or the timeout sweeper) resumes it.
func (s *Submitter) submitOne(ctx context.Context, stageName string, plan batch.JobPlan) (batch.JobResult, error) {
	clientToken := uuid.NewString()
	resumeToken := uuid.NewString()
	l := s.logger.With("job_name", plan.JobName, "stage", stageName)

	var deadline *time.Time
	if s.timeoutHours > 0 {
		d := time.Now().Add(time.Duration(s.timeoutHours) * time.Hour)
		deadline = &d
	}

	// The continuation is written before the create call so that a retried
	// submission (same client token, same job) can never lose it.
	if err := s.store.PutContinuation(ctx, clientToken, resumeToken, plan.JobName, deadline); err != nil {
		return batch.JobResult{}, fmt.Errorf("store continuation for %q: %w", plan.JobName, err)
	}
	ch := s.waiter.Register(resumeToken)

	jobID, err := s.submitWithRetry(ctx, l, clientToken, plan)
	if err != nil {
		s.waiter.Cancel(resumeToken)
		if derr := s.store.DeleteContinuation(context.WithoutCancel(ctx), clientToken); derr != nil {
			l.Error("failed to clean up continuation after submit failure", "error", derr)
		}
		l.Error("job submission failed", "error", err)
		return batch.JobResult{
			JobName: plan.JobName,
			Status:  batch.StatusFailed,
			Message: err.Error(),
		}, nil
	}

	if err := s.store.BindJob(ctx, clientToken, jobID); err != nil {
		s.waiter.Cancel(resumeToken)
		return batch.JobResult{}, fmt.Errorf("bind job %q: %w", jobID, err)
	}
	observability.JobsSubmitted.WithLabelValues(stageName, plan.ModelID).Inc()
	l.Info("job submitted, awaiting completion", "job_id", jobID)

	// Suspend point: the slot consumes nothing but this goroutine until the
	// completion listener or the timeout sweeper resumes the continuation.
	select {
	case res := <-ch:
		res.JobName = plan.JobName
		if res.OutputURI == "" {
			res.OutputURI = plan.OutputURI
		}
		l.Info("continuation resumed", "job_id", jobID, "status", res.Status)
		return res, nil
	case <-ctx.Done():
		s.waiter.Cancel(resumeToken)
		if derr := s.store.DeleteContinuation(context.WithoutCancel(ctx), clientToken); derr != nil {
			l.Error("failed to clean up continuation after cancellation", "error", derr)
		}
		return batch.JobResult{}, ctx.Err()
	}
}

// submitWithRetry retries throttling-class errors up to maxAttempts with
// backoff. The same client token is reused, so at most one job is created.
func (s *Submitter) submitWithRetry(ctx context.Context, l *slog.Logger, clientToken string, plan batch.JobPlan) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		jobID, err := s.svc.Submit(ctx, jobservice.SubmitInput{
			ClientToken:  clientToken,
			JobName:      plan.JobName,
			ModelID:      plan.ModelID,
			RoleARN:      s.roleARN,
			InputURI:     plan.InputURI,
			OutputURI:    plan.OutputURI,
			TimeoutHours: s.timeoutHours,
		})
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if !jobservice.IsThrottle(err) {
			return "", err
		}
		observability.SubmissionRetries.Inc()
		if attempt < maxAttempts {
			delay := throttleDelay(attempt)
			l.Warn("submission throttled, backing off", "attempt", attempt, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("submission throttled after %d attempts: %w", maxAttempts, lastErr)
}

func throttleDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 5 * time.Second
	case 2:
		return 30 * time.Second
	default:
		return 2 * time.Minute
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
