package jobservice

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"

	"batch-orchestrator/pkg/batch"
)

// Bedrock implements Service against the Bedrock model-invocation job API.
type Bedrock struct {
	client *bedrock.Client
}

// BedrockOptions configures the client. Static credentials are optional;
// when absent the SDK's default provider chain applies.
type BedrockOptions struct {
	Region string
	KeyID  string
	Secret string
}

func NewBedrock(opts BedrockOptions) *Bedrock {
	bOpts := bedrock.Options{Region: opts.Region}
	if opts.KeyID != "" {
		bOpts.Credentials = credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, "")
	}
	return &Bedrock{client: bedrock.New(bOpts)}
}

func (b *Bedrock) Submit(ctx context.Context, in SubmitInput) (string, error) {
	input := &bedrock.CreateModelInvocationJobInput{
		ClientRequestToken: aws.String(in.ClientToken),
		JobName:            aws.String(in.JobName),
		ModelId:            aws.String(in.ModelID),
		RoleArn:            aws.String(in.RoleARN),
		InputDataConfig: &types.ModelInvocationJobInputDataConfigMemberS3InputDataConfig{
			Value: types.ModelInvocationJobS3InputDataConfig{S3Uri: aws.String(in.InputURI)},
		},
		OutputDataConfig: &types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: types.ModelInvocationJobS3OutputDataConfig{S3Uri: aws.String(in.OutputURI)},
		},
	}
	if in.TimeoutHours > 0 {
		input.TimeoutDurationInHours = aws.Int32(int32(in.TimeoutHours))
	}

	out, err := b.client.CreateModelInvocationJob(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create model invocation job %q: %w", in.JobName, err)
	}
	return aws.ToString(out.JobArn), nil
}

func (b *Bedrock) Describe(ctx context.Context, jobID string) (JobState, error) {
	out, err := b.client.GetModelInvocationJob(ctx, &bedrock.GetModelInvocationJobInput{
		JobIdentifier: aws.String(jobID),
	})
	if err != nil {
		return JobState{}, fmt.Errorf("get model invocation job %q: %w", jobID, err)
	}

	state := JobState{
		JobID:   aws.ToString(out.JobArn),
		Status:  mapStatus(out.Status),
		Message: aws.ToString(out.Message),
	}
	if cfg, ok := out.OutputDataConfig.(*types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig); ok {
		state.OutputURI = aws.ToString(cfg.Value.S3Uri)
	}
	return state, nil
}

func mapStatus(s types.ModelInvocationJobStatus) batch.Status {
	switch s {
	case types.ModelInvocationJobStatusSubmitted:
		return batch.StatusSubmitted
	case types.ModelInvocationJobStatusValidating:
		return batch.StatusValidating
	case types.ModelInvocationJobStatusScheduled:
		return batch.StatusScheduled
	case types.ModelInvocationJobStatusInProgress, types.ModelInvocationJobStatusStopping:
		return batch.StatusInProgress
	case types.ModelInvocationJobStatusCompleted:
		return batch.StatusCompleted
	case types.ModelInvocationJobStatusPartiallyCompleted:
		return batch.StatusPartiallyCompleted
	case types.ModelInvocationJobStatusFailed:
		return batch.StatusFailed
	case types.ModelInvocationJobStatusStopped:
		return batch.StatusStopped
	case types.ModelInvocationJobStatusExpired:
		return batch.StatusExpired
	default:
		return batch.Status(s)
	}
}
