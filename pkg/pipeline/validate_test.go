package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"batch-orchestrator/pkg/prompt"
)

const testModel = "anthropic.claude-3-haiku-20240307-v1:0"

func validateRegistry() *prompt.Registry {
	reg := prompt.NewRegistry()
	reg.Register(prompt.Template{ID: "classify", Text: "Classify {name}."})
	reg.Register(prompt.Template{ID: "describe_fruit", Text: "Describe the fruit {name}."})
	reg.Register(prompt.Template{ID: "describe_tool", Text: "Describe the tool {name}."})
	reg.RegisterExpansion(prompt.ExpansionRule{ID: "deep_dive", Prompts: []prompt.SubPrompt{
		{Aspect: "a1", PromptID: "classify"},
		{Aspect: "a2", PromptID: "describe_fruit"},
		{Aspect: "a3", PromptID: "describe_tool"},
		{Aspect: "a4", PromptID: "classify"},
		{Aspect: "a5", PromptID: "describe_fruit"},
		{Aspect: "a6", PromptID: "describe_tool"},
	}})
	return reg
}

func validConfig() Config {
	return Config{
		PipelineName: "catalog",
		Stages: []Stage{
			{
				StageName:     "classify",
				ModelID:       testModel,
				InputS3URI:    "s3://bkt/inputs/products.jsonl",
				JobNamePrefix: "classify",
				PromptConfig:  prompt.Config{Mode: prompt.ModeSingle, PromptID: "classify"},
			},
			{
				StageName:         "describe",
				ModelID:           testModel,
				UsePreviousOutput: true,
				JobNamePrefix:     "describe",
				PromptConfig:      prompt.Config{Mode: prompt.ModeMapped, ColumnName: "next_prompt"},
				CategoryToPromptMapping: map[string]string{
					"fruit": "describe_fruit",
					"tool":  "describe_tool",
				},
			},
		},
	}
}

func errorsJoined(res ValidationResult) string {
	return strings.Join(res.Errors, "\n")
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	res := Validate(validConfig(), validateRegistry())
	require.True(t, res.Valid, "unexpected errors: %s", errorsJoined(res))
	require.Empty(t, res.Errors)
}

func TestValidateRejectsEmptyPipeline(t *testing.T) {
	res := Validate(Config{}, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), "no stages")
}

func TestValidateDuplicateStageNames(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[1].StageName = cfg.Stages[0].StageName
	res := Validate(cfg, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), "duplicate stage name")
}

func TestValidateUnsupportedModel(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[0].ModelID = "mystery.model-v1"
	res := Validate(cfg, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), "does not match a supported provider")
}

func TestValidateInputSourceRules(t *testing.T) {
	t.Run("first stage needs direct input", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[0].InputS3URI = ""
		res := Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "first stage must specify 'input_s3_uri'")
	})
	t.Run("first stage cannot chain", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[0].UsePreviousOutput = true
		res := Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "first stage cannot use 'use_previous_output'")
	})
	t.Run("later stage needs exactly one source", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[1].UsePreviousOutput = false
		res := Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "one of 'input_s3_uri', 'dataset_id' or 'use_previous_output'")

		cfg = validConfig()
		cfg.Stages[1].InputS3URI = "s3://bkt/other.jsonl"
		res = Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "mutually exclusive")
	})
	t.Run("dataset id is a valid first-stage source", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[0].InputS3URI = ""
		cfg.Stages[0].DatasetID = "product-catalog"
		cfg.Stages[0].DatasetSplit = "train"
		res := Validate(cfg, validateRegistry())
		require.True(t, res.Valid, "unexpected errors: %s", errorsJoined(res))
	})
	t.Run("dataset id excludes staged input", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[0].DatasetID = "product-catalog"
		res := Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "mutually exclusive")
	})
	t.Run("split requires dataset id", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stages[0].DatasetSplit = "train"
		res := Validate(cfg, validateRegistry())
		require.Contains(t, errorsJoined(res), "'dataset_split' requires 'dataset_id'")
	})
}

func TestValidateUnknownPromptReference(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[0].PromptConfig.PromptID = "nonexistent"
	res := Validate(cfg, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), "prompt 'nonexistent' not found")
}

// A declared category with no mapping entry and no default must fail before
// anything is submitted, not skip records at runtime.
func TestValidateUnmappedExpectedCategory(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[1].Categories = []string{"fruit", "tool", "furniture"}
	res := Validate(cfg, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), `expected category "furniture" has no prompt mapping`)

	// A default entry covers the gap.
	cfg.Stages[1].CategoryToPromptMapping["default"] = "describe_tool"
	res = Validate(cfg, validateRegistry())
	require.True(t, res.Valid, "unexpected errors: %s", errorsJoined(res))
}

func TestValidateCategoryMappingTargets(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[1].CategoryToPromptMapping["fruit"] = "missing_template"
	res := Validate(cfg, validateRegistry())
	require.False(t, res.Valid)
	require.Contains(t, errorsJoined(res), "maps to unknown prompt")
}

func TestValidateExpansionMultiplierWarning(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[0].PromptConfig = prompt.Config{
		Mode:             prompt.ModeExpanded,
		CategoryColumn:   "category",
		ExpansionMapping: map[string]string{"default": "deep_dive"},
	}
	res := Validate(cfg, validateRegistry())
	require.True(t, res.Valid, "unexpected errors: %s", errorsJoined(res))
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "high expansion multiplier")
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"pipeline_name": "catalog",
		"presigned_url_expiry_days": 3,
		"stages": [
			{
				"stage_name": "classify",
				"model_id": "` + testModel + `",
				"input_s3_uri": "s3://bkt/in.jsonl",
				"job_name_prefix": "classify",
				"prompt_config": {"mode": "single", "prompt_id": "classify"},
				"max_records_per_job": 500
			}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, "catalog", cfg.PipelineName)
	require.Equal(t, 3, cfg.PresignedURLExpiryDays)
	require.Len(t, cfg.Stages, 1)
	require.Equal(t, prompt.ModeSingle, cfg.Stages[0].PromptConfig.Mode)
	require.Equal(t, 500, cfg.Stages[0].MaxRecordsPerJob)
}
