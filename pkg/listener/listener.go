// Package listener reacts to job state-change notifications from the message
// bus and resumes the matching suspended submission slot. It is stateless
// beyond the durable continuation store and safe under at-least-once
// delivery: a notification for an already-consumed job id is a no-op.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/database"
	"batch-orchestrator/pkg/observability"
	"batch-orchestrator/pkg/token"
)

// ContinuationStore is the durable continuation table, keyed by job id.
// Consumption is atomic per key: at most one notification wins.
type ContinuationStore interface {
	ConsumeContinuation(ctx context.Context, jobID string) (*database.Continuation, error)
	ExpireContinuations(ctx context.Context, now time.Time) ([]database.Continuation, error)
}

type Listener struct {
	store  ContinuationStore
	waiter *token.Waiter
	logger *slog.Logger
}

func New(store ContinuationStore, waiter *token.Waiter, logger *slog.Logger) *Listener {
	return &Listener{store: store, waiter: waiter, logger: logger}
}

// Run consumes state-change deliveries until the context is cancelled.
func (l *Listener) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			var ev batch.StatusEvent
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				// A malformed event can never resume anything; drop it.
				l.logger.Error("malformed status event, dropping", "error", err)
				msg.Ack(false)
				continue
			}
			if err := l.HandleEvent(ctx, ev); err != nil {
				l.logger.Error("failed to handle status event, requeueing",
					"job_id", ev.JobID, "error", err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

// HandleEvent processes one state-change notification. Non-terminal statuses
// are ignored. Terminal ones consume the continuation (atomically, so a
// duplicate delivery finds nothing) and resume the suspended slot.
func (l *Listener) HandleEvent(ctx context.Context, ev batch.StatusEvent) error {
	if !ev.Status.Terminal() {
		return nil
	}

	cont, err := l.store.ConsumeContinuation(ctx, ev.JobID)
	if err != nil {
		return fmt.Errorf("consume continuation %q: %w", ev.JobID, err)
	}
	if cont == nil {
		// Already consumed, or a notification for a job we never tracked.
		l.logger.Info("no pending continuation for job, ignoring",
			"job_id", ev.JobID, "status", ev.Status)
		return nil
	}

	result := batch.JobResult{
		JobID:     ev.JobID,
		JobName:   cont.JobName,
		Status:    ev.Status,
		OutputURI: ev.OutputURI,
		Message:   ev.Message,
	}
	if !ev.Status.Succeeded() && result.Message == "" {
		result.Message = fmt.Sprintf("job reached terminal status %s", ev.Status)
	}

	if !l.waiter.Resume(cont.Token, result) {
		// The durable record existed but no slot is waiting in this process.
		// Nothing to retry: the row is gone either way.
		l.logger.Warn("continuation had no waiting slot",
			"job_id", ev.JobID, "job_name", cont.JobName)
		return nil
	}
	observability.JobsResumed.WithLabelValues(string(ev.Status)).Inc()
	l.logger.Info("continuation resumed",
		"job_id", ev.JobID, "job_name", cont.JobName, "status", ev.Status)
	return nil
}

// RunSweeper force-fails continuations whose deadline elapsed, on a fixed
// interval. A timed-out job may still be running externally; its output, if
// any, is ignored.
func (l *Listener) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(ctx, now)
		}
	}
}

func (l *Listener) sweep(ctx context.Context, now time.Time) {
	expired, err := l.store.ExpireContinuations(ctx, now)
	if err != nil {
		l.logger.Error("timeout sweep failed", "error", err)
		return
	}
	for _, cont := range expired {
		result := batch.JobResult{
			JobID:   cont.JobID,
			JobName: cont.JobName,
			Status:  batch.StatusTimedOut,
			Message: "job exceeded the configured timeout and was abandoned",
		}
		if l.waiter.Resume(cont.Token, result) {
			observability.JobsResumed.WithLabelValues(string(batch.StatusTimedOut)).Inc()
		}
		l.logger.Warn("continuation force-failed after timeout",
			"job_id", cont.JobID, "job_name", cont.JobName)
	}
}
