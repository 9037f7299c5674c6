// Package notify builds and publishes the single pipeline-completion message,
// including time-limited download links for every stage output.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/storage"
)

const defaultExpiryDays = 7

// Publisher is the message-bus surface we publish the completion message to.
// Implemented by pkg/mq.
type Publisher interface {
	PublishNotification(ctx context.Context, subject string, body []byte) error
}

type Notifier struct {
	bus    Publisher
	store  storage.ObjectStore
	logger *slog.Logger
}

func New(bus Publisher, store storage.ObjectStore, logger *slog.Logger) *Notifier {
	return &Notifier{bus: bus, store: store, logger: logger}
}

// NotifySuccess publishes the completion message with presigned links.
// Presign failures degrade to the raw URI; they never fail the notification.
func (n *Notifier) NotifySuccess(ctx context.Context, pipelineName string, expiryDays int, results []batch.StageResult) error {
	if expiryDays <= 0 {
		expiryDays = defaultExpiryDays
	}
	expiry := time.Duration(expiryDays) * 24 * time.Hour

	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline '%s' completed successfully.\n\n", pipelineName)
	fmt.Fprintf(&b, "Summary:\n- Total stages: %d\n\n", len(results))
	b.WriteString("Stage results:\n")
	for i, res := range results {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, res.StageName)
		fmt.Fprintf(&b, "   Records: %d\n", res.RecordCount)
		if res.Skipped > 0 {
			fmt.Fprintf(&b, "   Skipped: %d\n", res.Skipped)
		}
		fmt.Fprintf(&b, "   Output: %s\n", res.OutputURI)
		fmt.Fprintf(&b, "   Download: %s\n", n.presign(ctx, res.OutputURI, expiry))
		fmt.Fprintf(&b, "   Expires: %s\n", time.Now().Add(expiry).Format(time.RFC3339))
	}

	subject := fmt.Sprintf("Pipeline complete: %s", pipelineName)
	return n.bus.PublishNotification(ctx, subject, []byte(b.String()))
}

// NotifyFailure publishes an explicit failure indicator for the run.
func (n *Notifier) NotifyFailure(ctx context.Context, pipelineName, stageName string, cause error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline '%s' failed.\n", pipelineName)
	if stageName != "" {
		fmt.Fprintf(&b, "\nFailed stage: %s\n", stageName)
	}
	if cause != nil {
		fmt.Fprintf(&b, "Error: %s\n", cause)
	}
	subject := fmt.Sprintf("Pipeline failed: %s", pipelineName)
	return n.bus.PublishNotification(ctx, subject, []byte(b.String()))
}

func (n *Notifier) presign(ctx context.Context, uri string, expiry time.Duration) string {
	url, err := n.store.Presign(ctx, uri, expiry)
	if err != nil {
		n.logger.Error("failed to presign output link", "uri", uri, "error", err)
		return uri
	}
	return url
}
