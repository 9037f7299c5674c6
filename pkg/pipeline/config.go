package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/prompt"
)

// Stage is one batch-inference pass of a pipeline, declared in JSON.
type Stage struct {
	StageName         string          `json:"stage_name"`
	ModelID           string          `json:"model_id"`
	InputS3URI        string          `json:"input_s3_uri,omitempty"`
	DatasetID         string          `json:"dataset_id,omitempty"`
	DatasetSplit      string          `json:"dataset_split,omitempty"`
	UsePreviousOutput bool            `json:"use_previous_output,omitempty"`
	InputType         batch.InputType `json:"input_type,omitempty"`
	JobNamePrefix     string          `json:"job_name_prefix"`
	PromptConfig      prompt.Config   `json:"prompt_config"`

	// CategoryToPromptMapping routes records of a previous stage's category
	// to a prompt template for this stage (mapped mode).
	CategoryToPromptMapping map[string]string `json:"category_to_prompt_mapping,omitempty"`
	// Categories optionally declares the categories the previous stage can
	// emit, so an unmapped category fails validation instead of silently
	// skipping records at runtime.
	Categories []string `json:"categories,omitempty"`
	// ColumnMappings renames previous-stage output columns to the names this
	// stage's templates expect: target column -> source column.
	ColumnMappings map[string]string `json:"column_mappings,omitempty"`

	MaxNumJobs       int `json:"max_num_jobs,omitempty"`
	MaxRecordsPerJob int `json:"max_records_per_job,omitempty"`
}

// Config is the declarative description of a whole pipeline run.
type Config struct {
	PipelineName           string  `json:"pipeline_name"`
	PresignedURLExpiryDays int     `json:"presigned_url_expiry_days,omitempty"`
	Stages                 []Stage `json:"stages"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse pipeline config: %w", err)
	}
	return cfg, nil
}
