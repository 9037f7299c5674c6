package batch

import "time"

type Status string
type InputType string

const (
	StatusSubmitted          Status = "Submitted"
	StatusValidating         Status = "Validating"
	StatusScheduled          Status = "Scheduled"
	StatusInProgress         Status = "InProgress"
	StatusCompleted          Status = "Completed"
	StatusPartiallyCompleted Status = "PartiallyCompleted"
	StatusFailed             Status = "Failed"
	StatusStopped            Status = "Stopped"
	StatusExpired            Status = "Expired"
	StatusTimedOut           Status = "TimedOut"
)

const (
	InputTypeText  InputType = "text"
	InputTypeImage InputType = "image"
)

// Terminal reports whether the external job service will emit no further
// state changes for a job in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusStopped, StatusExpired, StatusTimedOut:
		return true
	}
	return false
}

// Succeeded reports whether a terminal status counts as success. A partially
// completed job is a failure: stages have no partial-success policy.
func (s Status) Succeeded() bool {
	return s == StatusCompleted
}

// Job is one submitted unit of batch-inference work. The external job id is
// assigned by the job service at submission time and is unique for the
// lifetime of a pipeline run.
type Job struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	ModelID    string    `json:"model_id"`
	InputURI   string    `json:"input_uri"`
	RecordsURI string    `json:"records_uri"`
	OutputURI  string    `json:"output_uri"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobPlan describes one batch-input file the preprocessor produced and the
// job the submitter should create for it.
type JobPlan struct {
	JobName     string `json:"job_name"`
	ModelID     string `json:"model_id"`
	InputURI    string `json:"input_uri"`
	RecordsURI  string `json:"records_uri"`
	OutputURI   string `json:"output_uri"`
	RecordCount int    `json:"record_count"`
}

// JobResult is what a resumed continuation carries back to the suspended
// submission slot.
type JobResult struct {
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name"`
	Status    Status `json:"status"`
	OutputURI string `json:"output_uri"`
	Message   string `json:"message,omitempty"`
}

// StatusEvent is the wire shape of a job state-change notification on the
// message bus. Delivery is at-least-once; consumers must tolerate duplicates.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	OutputURI string    `json:"output_uri,omitempty"`
	Message   string    `json:"message,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// StageResult is the consolidated outcome of one pipeline stage after fan-in.
type StageResult struct {
	StageName   string   `json:"stage_name"`
	OutputURI   string   `json:"output_uri"`
	JobOutputs  []string `json:"job_outputs"`
	RecordCount int      `json:"record_count"`
	Skipped     int      `json:"skipped"`
}
