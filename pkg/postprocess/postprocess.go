// Package postprocess parses completed jobs' output files, extracts
// structured fields from model responses, and joins them back onto the
// original input records by record id.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/prompt"
	"batch-orchestrator/pkg/storage"
)

type Postprocessor struct {
	store  storage.ObjectStore
	reg    *prompt.Registry
	bucket string
	logger *slog.Logger
}

func New(store storage.ObjectStore, reg *prompt.Registry, bucket string, logger *slog.Logger) *Postprocessor {
	return &Postprocessor{store: store, reg: reg, bucket: bucket, logger: logger}
}

// JobOutput is one job's consolidated result table.
type JobOutput struct {
	ResultURI string
	Rows      []map[string]any
	// ParseWarnings counts records whose model output could not be parsed
	// against the expected schema. They are retained with empty fields.
	ParseWarnings int
}

// manifest is the summary file the job service writes next to the outputs.
type manifest struct {
	TotalRecordCount   int `json:"totalRecordCount"`
	ProcessedCount     int `json:"processedRecordCount"`
	SuccessRecordCount int `json:"successRecordCount"`
	ErrorRecordCount   int `json:"errorRecordCount"`
	InputTokenCount    int `json:"inputTokenCount"`
	OutputTokenCount   int `json:"outputTokenCount"`
}

// ProcessJob reads one completed job's output records and joins them with the
// original records sidecar. Per-record parse failures are warnings, never a
// job failure.
func (p *Postprocessor) ProcessJob(ctx context.Context, plan batch.JobPlan, outputURI string) (JobOutput, error) {
	codec, err := prompt.CodecFor(plan.ModelID, 0)
	if err != nil {
		return JobOutput{}, err
	}

	originals, err := p.loadOriginals(ctx, plan.RecordsURI)
	if err != nil {
		return JobOutput{}, err
	}

	outputLines, err := p.loadOutputLines(ctx, plan.JobName, outputURI)
	if err != nil {
		return JobOutput{}, err
	}

	out := JobOutput{Rows: make([]map[string]any, 0, len(outputLines))}
	for _, line := range outputLines {
		decoded, err := codec.DecodeOutput(line)
		if err != nil {
			p.logger.Warn("unparseable output record", "job_name", plan.JobName, "error", err)
			out.ParseWarnings++
			continue
		}

		original, ok := originals[decoded.RecordID]
		if !ok {
			p.logger.Warn("output record has no matching input record",
				"job_name", plan.JobName, "record_id", decoded.RecordID)
			out.ParseWarnings++
			continue
		}

		row := make(map[string]any, len(original)+4)
		for k, v := range original {
			row[k] = v
		}
		for k, v := range decoded.Fields {
			row[k] = v
		}
		if codec.ModelType() == "text" {
			row["response"] = decoded.Response
			if !p.extractSchema(plan.JobName, decoded, original, row) {
				out.ParseWarnings++
			}
		}
		out.Rows = append(out.Rows, row)
	}

	out.ResultURI = resultURIFor(plan)
	body, err := storage.MarshalLines(out.Rows)
	if err != nil {
		return JobOutput{}, err
	}
	if err := p.store.Put(ctx, out.ResultURI, body); err != nil {
		return JobOutput{}, fmt.Errorf("write job result: %w", err)
	}

	p.logger.Info("job output processed", "job_name", plan.JobName,
		"rows", len(out.Rows), "parse_warnings", out.ParseWarnings)
	return out, nil
}

// extractSchema applies the prompt's output schema, if any, to the raw model
// response. Malformed output against an expected schema leaves the declared
// fields empty and returns false.
func (p *Postprocessor) extractSchema(jobName string, decoded prompt.Decoded, original, row map[string]any) bool {
	promptID, _ := original["prompt_id"].(string)
	if promptID == "" {
		return true
	}
	tpl, ok := p.reg.Get(promptID)
	if !ok || len(tpl.OutputSchema) == 0 {
		return true
	}

	if !gjson.Valid(decoded.Response) {
		for column := range tpl.OutputSchema {
			row[column] = nil
		}
		p.logger.Warn("model response is not valid JSON, extraction fields left empty",
			"job_name", jobName, "record_id", decoded.RecordID, "prompt_id", promptID)
		return false
	}
	for column, path := range tpl.OutputSchema {
		row[column] = gjson.Get(decoded.Response, path).Value()
	}
	return true
}

func (p *Postprocessor) loadOriginals(ctx context.Context, recordsURI string) (map[string]map[string]any, error) {
	data, err := p.store.Get(ctx, recordsURI)
	if err != nil {
		return nil, fmt.Errorf("load records sidecar: %w", err)
	}
	records, err := storage.UnmarshalLines(data)
	if err != nil {
		return nil, fmt.Errorf("parse records sidecar: %w", err)
	}
	byID := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		id := fmt.Sprintf("%v", rec["record_id"])
		byID[id] = rec
	}
	return byID, nil
}

// loadOutputLines reads every output file the job wrote, skipping the
// manifest (which is logged for its token counts).
func (p *Postprocessor) loadOutputLines(ctx context.Context, jobName, outputURI string) ([]map[string]any, error) {
	uris, err := p.store.List(ctx, outputURI)
	if err != nil {
		return nil, fmt.Errorf("list job output: %w", err)
	}

	var lines []map[string]any
	found := false
	for _, uri := range uris {
		base := uri[strings.LastIndex(uri, "/")+1:]
		if strings.Contains(base, "manifest") {
			p.logManifest(ctx, jobName, uri)
			continue
		}
		if !strings.Contains(base, ".jsonl") {
			continue
		}
		found = true
		data, err := p.store.Get(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("read job output %q: %w", uri, err)
		}
		parsed, err := storage.UnmarshalLines(data)
		if err != nil {
			return nil, fmt.Errorf("parse job output %q: %w", uri, err)
		}
		lines = append(lines, parsed...)
	}
	if !found {
		return nil, fmt.Errorf("no output records found under %q", outputURI)
	}
	return lines, nil
}

func (p *Postprocessor) logManifest(ctx context.Context, jobName, uri string) {
	data, err := p.store.Get(ctx, uri)
	if err != nil {
		return
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	p.logger.Info("job manifest", "job_name", jobName,
		"records", m.TotalRecordCount, "errors", m.ErrorRecordCount,
		"input_tokens", m.InputTokenCount, "output_tokens", m.OutputTokenCount)
}

// Consolidate concatenates all jobs' result tables into the stage result.
// Jobs may have completed in any order; the consolidated table does not
// depend on it.
func (p *Postprocessor) Consolidate(ctx context.Context, stageName, jobNamePrefix string, outputs []JobOutput) (batch.StageResult, error) {
	var rows []map[string]any
	result := batch.StageResult{StageName: stageName}
	for _, out := range outputs {
		rows = append(rows, out.Rows...)
		result.JobOutputs = append(result.JobOutputs, out.ResultURI)
	}
	result.RecordCount = len(rows)
	result.OutputURI = storage.JoinURI(p.bucket, fmt.Sprintf("batch_results/%s/consolidated.jsonl", jobNamePrefix))

	body, err := storage.MarshalLines(rows)
	if err != nil {
		return batch.StageResult{}, err
	}
	if err := p.store.Put(ctx, result.OutputURI, body); err != nil {
		return batch.StageResult{}, fmt.Errorf("write consolidated stage result: %w", err)
	}
	p.logger.Info("stage results consolidated", "stage", stageName,
		"jobs", len(outputs), "rows", len(rows), "output", result.OutputURI)
	return result, nil
}

// resultURIFor derives a job's result file location from its records sidecar.
func resultURIFor(plan batch.JobPlan) string {
	return strings.Replace(plan.RecordsURI, "batch_records/", "batch_results/", 1)
}
