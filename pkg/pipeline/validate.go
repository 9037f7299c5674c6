package pipeline

import (
	"fmt"
	"strings"

	"batch-orchestrator/pkg/prompt"
)

// ValidationResult collects everything wrong with a pipeline config. The run
// aborts on any error before a single job is submitted, since submission has
// real monetary cost.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

const expansionWarnThreshold = 5.0

// Validate checks the whole pipeline configuration against the prompt
// registry: stage-name uniqueness, model support, input-source rules, and
// that every prompt, expansion rule, and category reference resolves.
func Validate(cfg Config, reg *prompt.Registry) ValidationResult {
	var res ValidationResult

	if cfg.PipelineName == "" {
		res.Errors = append(res.Errors, "pipeline configuration missing 'pipeline_name'")
	}
	if len(cfg.Stages) == 0 {
		res.Errors = append(res.Errors, "pipeline configuration has no stages")
		return res
	}

	seen := map[string]bool{}
	for idx, stage := range cfg.Stages {
		name := stage.StageName
		if name == "" {
			name = fmt.Sprintf("stage %d", idx+1)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: missing 'stage_name'", name))
		}
		tag := fmt.Sprintf("stage '%s'", name)

		if seen[name] {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: duplicate stage name", tag))
		}
		seen[name] = true

		if stage.ModelID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: missing 'model_id'", tag))
		} else if !prompt.SupportedModel(stage.ModelID) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s: model id %q does not match a supported provider", tag, stage.ModelID))
		}

		if stage.JobNamePrefix == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: missing 'job_name_prefix'", tag))
		}
		if stage.MaxRecordsPerJob < 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: 'max_records_per_job' must not be negative", tag))
		}

		res.Errors = append(res.Errors, validateInputSource(idx, stage, tag)...)
		res.Errors = append(res.Errors, stage.PromptConfig.Validate(reg, tag)...)
		res.Errors = append(res.Errors, validateCategoryMapping(stage, reg, tag)...)

		if m := stage.PromptConfig.ExpansionMultiplier(reg); m > expansionWarnThreshold {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%s: high expansion multiplier (%.1fx) may significantly increase processing time and cost", tag, m))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// validateInputSource enforces the data-flow rules: the first stage needs a
// direct input (a staged file/prefix or a dataset identifier) and must not
// consume a previous output; every later stage needs exactly one source.
func validateInputSource(idx int, stage Stage, tag string) []string {
	var errs []string
	sources := 0
	for _, set := range []bool{stage.InputS3URI != "", stage.DatasetID != "", stage.UsePreviousOutput} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		errs = append(errs, fmt.Sprintf(
			"%s: 'input_s3_uri', 'dataset_id' and 'use_previous_output' are mutually exclusive", tag))
	}
	if stage.DatasetSplit != "" && stage.DatasetID == "" {
		errs = append(errs, fmt.Sprintf("%s: 'dataset_split' requires 'dataset_id'", tag))
	}
	if idx == 0 {
		if stage.UsePreviousOutput {
			errs = append(errs, fmt.Sprintf("%s: first stage cannot use 'use_previous_output'", tag))
		}
		if stage.InputS3URI == "" && stage.DatasetID == "" {
			errs = append(errs, fmt.Sprintf("%s: first stage must specify 'input_s3_uri' or 'dataset_id'", tag))
		}
		return errs
	}
	if sources == 0 {
		errs = append(errs, fmt.Sprintf(
			"%s: must specify one of 'input_s3_uri', 'dataset_id' or 'use_previous_output'", tag))
	}
	return errs
}

// validateCategoryMapping checks that every mapping target is a known
// template and that every declared expected category resolves through the
// mapping (or its 'default' entry).
func validateCategoryMapping(stage Stage, reg *prompt.Registry, tag string) []string {
	if len(stage.CategoryToPromptMapping) == 0 {
		if len(stage.Categories) > 0 {
			return []string{fmt.Sprintf("%s: 'categories' declared without 'category_to_prompt_mapping'", tag)}
		}
		return nil
	}

	var errs []string
	normalized := make(map[string]string, len(stage.CategoryToPromptMapping))
	for category, promptID := range stage.CategoryToPromptMapping {
		normalized[strings.ToLower(strings.TrimSpace(category))] = promptID
		if _, ok := reg.Get(promptID); !ok {
			errs = append(errs, fmt.Sprintf("%s: category %q maps to unknown prompt %q", tag, category, promptID))
		}
	}
	_, hasDefault := normalized["default"]
	for _, category := range stage.Categories {
		if _, ok := normalized[strings.ToLower(strings.TrimSpace(category))]; !ok && !hasDefault {
			errs = append(errs, fmt.Sprintf("%s: expected category %q has no prompt mapping", tag, category))
		}
	}
	return errs
}
