// Package jobservice wraps the external asynchronous batch-inference service.
// The orchestrator only needs submit and describe; terminal state changes
// arrive out-of-band on the message bus.
package jobservice

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"

	"batch-orchestrator/pkg/batch"
)

// SubmitInput carries everything needed to create one batch inference job.
// ClientToken makes the create call idempotent: retrying with the same token
// cannot create a second job.
type SubmitInput struct {
	ClientToken  string
	JobName      string
	ModelID      string
	RoleARN      string
	InputURI     string
	OutputURI    string
	TimeoutHours int
}

// JobState is a point-in-time view of a job, as returned by describe.
type JobState struct {
	JobID     string
	Status    batch.Status
	OutputURI string
	Message   string
}

type Service interface {
	// Submit creates one asynchronous inference job and returns its id.
	Submit(ctx context.Context, in SubmitInput) (string, error)
	Describe(ctx context.Context, jobID string) (JobState, error)
}

// IsThrottle reports whether an error is a throttling-class service error
// that a submission should retry with backoff.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	return false
}
