// Package preprocess splits a large input collection into bounded batch-input
// files, rendering a prompt for each record (or several, under expansion).
package preprocess

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/observability"
	"batch-orchestrator/pkg/prompt"
	"batch-orchestrator/pkg/storage"
)

const RecordIDColumn = "record_id"

// DatasetFetcher loads the records of an externally hosted dataset by
// identifier. Implemented by pkg/dataset; nil when no dataset service is
// configured.
type DatasetFetcher interface {
	FetchRecords(ctx context.Context, datasetID, split string) ([]map[string]any, error)
}

type Preprocessor struct {
	store    storage.ObjectStore
	datasets DatasetFetcher
	reg      *prompt.Registry
	bucket   string
	logger   *slog.Logger
}

func New(store storage.ObjectStore, datasets DatasetFetcher, reg *prompt.Registry, bucket string, logger *slog.Logger) *Preprocessor {
	return &Preprocessor{store: store, datasets: datasets, reg: reg, bucket: bucket, logger: logger}
}

// Params describes one stage's preprocessing work. Exactly one input source
// is set: InputURI (table file or image prefix) or DatasetID.
type Params struct {
	StageName        string
	ModelID          string
	InputURI         string // table file (csv/jsonl) or image prefix
	DatasetID        string // external dataset identifier
	DatasetSplit     string // optional split, e.g. "train"
	InputType        batch.InputType
	JobNamePrefix    string
	PromptConfig     prompt.Config
	MaxNumJobs       int
	MaxRecordsPerJob int
}

// Result lists the batch-input files written and how many records they hold.
type Result struct {
	Plans        []batch.JobPlan
	TotalRecords int
	// Skipped counts mapped-mode records whose column value resolved to no
	// known template. They are logged, not failed.
	Skipped int
}

// row pairs one rendered batch-input line with the original record it came
// from. The two travel together so the postprocessor can rejoin by record_id.
type row struct {
	input  map[string]any
	record map[string]any
}

// Prepare loads the stage input, renders prompts per the prompt config, and
// writes ceil(records/maxRecordsPerJob) batch-input files, capped by
// MaxNumJobs. An unknown prompt id is a fatal configuration error surfaced
// before any row work.
func (p *Preprocessor) Prepare(ctx context.Context, params Params) (Result, error) {
	if params.MaxRecordsPerJob < 1 {
		return Result{}, fmt.Errorf("max_records_per_job must be positive, got %d", params.MaxRecordsPerJob)
	}

	records, err := p.loadRecords(ctx, params)
	if err != nil {
		return Result{}, err
	}
	for _, rec := range records {
		if _, ok := rec[RecordIDColumn]; !ok {
			rec[RecordIDColumn] = uuid.NewString()
		}
	}

	rows, skipped, err := p.renderRows(ctx, params, records)
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		// All records skipped (or empty input): skip submission entirely and
		// report a zero job count rather than creating an empty job.
		p.logger.Warn("no valid records after preprocessing, skipping stage submission",
			"stage", params.StageName, "input_records", len(records), "skipped", skipped)
		return Result{Skipped: skipped}, nil
	}

	result := Result{Skipped: skipped}
	stamp := time.Now().UTC().Format("20060102-150405")
	for idx := 0; idx*params.MaxRecordsPerJob < len(rows); idx++ {
		if params.MaxNumJobs > 0 && idx >= params.MaxNumJobs {
			p.logger.Info("reached max_num_jobs, stopping here",
				"stage", params.StageName, "max_num_jobs", params.MaxNumJobs)
			break
		}
		lo := idx * params.MaxRecordsPerJob
		hi := min(lo+params.MaxRecordsPerJob, len(rows))
		chunk := rows[lo:hi]

		inputLines := make([]map[string]any, len(chunk))
		recordLines := make([]map[string]any, len(chunk))
		for i, r := range chunk {
			inputLines[i] = r.input
			recordLines[i] = r.record
		}

		inputURI := storage.JoinURI(p.bucket, fmt.Sprintf("batch_inputs_json/%s/%04d.jsonl", params.JobNamePrefix, idx))
		recordsURI := storage.JoinURI(p.bucket, fmt.Sprintf("batch_records/%s/%04d.jsonl", params.JobNamePrefix, idx))
		outputURI := storage.JoinURI(p.bucket, fmt.Sprintf("batch_outputs_json/%s/%04d/", params.JobNamePrefix, idx))

		inputBody, err := storage.MarshalLines(inputLines)
		if err != nil {
			return Result{}, err
		}
		if err := p.store.Put(ctx, inputURI, inputBody); err != nil {
			return Result{}, fmt.Errorf("write batch input: %w", err)
		}
		recordsBody, err := storage.MarshalLines(recordLines)
		if err != nil {
			return Result{}, err
		}
		if err := p.store.Put(ctx, recordsURI, recordsBody); err != nil {
			return Result{}, fmt.Errorf("write records sidecar: %w", err)
		}

		result.Plans = append(result.Plans, batch.JobPlan{
			JobName:     fmt.Sprintf("%s-%s-%04d", params.JobNamePrefix, stamp, idx),
			ModelID:     params.ModelID,
			InputURI:    inputURI,
			RecordsURI:  recordsURI,
			OutputURI:   outputURI,
			RecordCount: len(chunk),
		})
		// Count only what was actually written: the max_num_jobs cap can
		// drop trailing chunks.
		result.TotalRecords += len(chunk)
	}

	observability.RecordsProcessed.WithLabelValues(params.StageName).Add(float64(result.TotalRecords))
	p.logger.Info("batch inputs prepared",
		"stage", params.StageName, "jobs", len(result.Plans),
		"records", result.TotalRecords, "skipped", result.Skipped)
	return result, nil
}

func (p *Preprocessor) loadRecords(ctx context.Context, params Params) ([]map[string]any, error) {
	if params.DatasetID != "" {
		if p.datasets == nil {
			return nil, fmt.Errorf("stage references dataset %q but no dataset service is configured (set DATASET_API_URL)", params.DatasetID)
		}
		records, err := p.datasets.FetchRecords(ctx, params.DatasetID, params.DatasetSplit)
		if err != nil {
			return nil, fmt.Errorf("load dataset: %w", err)
		}
		p.logger.Info("dataset fetched", "stage", params.StageName,
			"dataset_id", params.DatasetID, "records", len(records))
		return records, nil
	}
	if params.InputType == batch.InputTypeImage {
		return p.loadImageRecords(ctx, params.InputURI)
	}
	data, err := p.store.Get(ctx, params.InputURI)
	if err != nil {
		return nil, fmt.Errorf("load stage input: %w", err)
	}
	switch ext := strings.ToLower(path.Ext(params.InputURI)); ext {
	case ".csv":
		return parseCSV(data)
	case ".jsonl", ".json":
		return storage.UnmarshalLines(data)
	default:
		return nil, fmt.Errorf("unsupported input file type %q (want .csv or .jsonl)", ext)
	}
}

func (p *Preprocessor) loadImageRecords(ctx context.Context, prefixURI string) ([]map[string]any, error) {
	uris, err := p.store.List(ctx, prefixURI)
	if err != nil {
		return nil, fmt.Errorf("list image inputs: %w", err)
	}
	var records []map[string]any
	for _, uri := range uris {
		if mediaTypeFor(uri) == "" {
			continue
		}
		records = append(records, map[string]any{
			"image_uri": uri,
			"file_name": path.Base(uri),
		})
	}
	return records, nil
}

// renderRows turns input records into batch-input lines per the prompt mode.
func (p *Preprocessor) renderRows(ctx context.Context, params Params, records []map[string]any) ([]row, int, error) {
	baseCodec, err := prompt.CodecFor(params.ModelID, 0)
	if err != nil {
		return nil, 0, err
	}

	// Embedding models take the input text directly; no template involved.
	if baseCodec.ModelType() == "embedding" {
		rows := make([]row, 0, len(records))
		for _, rec := range records {
			text, ok := rec["input_text"].(string)
			if !ok {
				return nil, 0, fmt.Errorf("embedding input requires an 'input_text' column")
			}
			recordID := fmt.Sprintf("%v", rec[RecordIDColumn])
			rows = append(rows, row{input: baseCodec.EncodeInput(recordID, text, nil), record: rec})
		}
		return rows, 0, nil
	}

	// Resolve the single-mode template up front: a dangling reference is a
	// configuration error, not a per-record one.
	var singleTpl prompt.Template
	if params.PromptConfig.Mode == prompt.ModeSingle {
		var ok bool
		singleTpl, ok = p.reg.Get(params.PromptConfig.PromptID)
		if !ok {
			return nil, 0, fmt.Errorf("prompt %q not found", params.PromptConfig.PromptID)
		}
	}

	var rows []row
	skipped := 0
	for _, rec := range records {
		recordID := fmt.Sprintf("%v", rec[RecordIDColumn])

		var img *prompt.Image
		if params.InputType == batch.InputTypeImage {
			img, err = p.fetchImage(ctx, rec)
			if err != nil {
				return nil, 0, err
			}
		}

		switch params.PromptConfig.Mode {
		case prompt.ModeSingle:
			r, err := p.renderOne(params.ModelID, singleTpl, rec, recordID, img)
			if err != nil {
				return nil, 0, err
			}
			rows = append(rows, r)

		case prompt.ModeMapped:
			promptID, _ := rec[params.PromptConfig.ColumnName].(string)
			tpl, ok := p.reg.Get(promptID)
			if !ok {
				p.logger.Warn("no template for mapped record, skipping",
					"stage", params.StageName, "record_id", recordID,
					"column", params.PromptConfig.ColumnName, "value", promptID)
				skipped++
				continue
			}
			r, err := p.renderOne(params.ModelID, tpl, rec, recordID, img)
			if err != nil {
				return nil, 0, err
			}
			rows = append(rows, r)

		case prompt.ModeExpanded:
			category := normalizeCategory(rec[params.PromptConfig.CategoryColumn])
			ruleID, ok := params.PromptConfig.ExpansionMapping[category]
			if !ok {
				ruleID, ok = params.PromptConfig.ExpansionMapping["default"]
			}
			if !ok {
				p.logger.Warn("no expansion rule for category, skipping",
					"stage", params.StageName, "record_id", recordID, "category", category)
				skipped++
				continue
			}
			rule, ok := p.reg.GetExpansion(ruleID)
			if !ok {
				return nil, 0, fmt.Errorf("expansion rule %q not found", ruleID)
			}
			for _, sp := range rule.Prompts {
				tpl, ok := p.reg.Get(sp.PromptID)
				if !ok {
					return nil, 0, fmt.Errorf("expansion rule %q: prompt %q not found", ruleID, sp.PromptID)
				}
				expandedID := recordID + "::" + sp.Aspect
				r, err := p.renderOne(params.ModelID, tpl, rec, expandedID, img)
				if err != nil {
					return nil, 0, err
				}
				// Expanded rows get their own identity in the sidecar so the
				// join stays one to one.
				expanded := make(map[string]any, len(rec)+2)
				for k, v := range rec {
					expanded[k] = v
				}
				expanded[RecordIDColumn] = expandedID
				expanded["aspect"] = sp.Aspect
				r.record = expanded
				rows = append(rows, r)
			}

		default:
			return nil, 0, fmt.Errorf("invalid prompt_config mode %q", params.PromptConfig.Mode)
		}
	}
	return rows, skipped, nil
}

func (p *Preprocessor) renderOne(modelID string, tpl prompt.Template, rec map[string]any, recordID string, img *prompt.Image) (row, error) {
	text, err := prompt.Render(tpl.Text, rec)
	if err != nil {
		return row{}, fmt.Errorf("render prompt %q: %w", tpl.ID, err)
	}
	codec, err := prompt.CodecFor(modelID, tpl.MaxTokens)
	if err != nil {
		return row{}, err
	}
	rec["prompt_id"] = tpl.ID
	return row{input: codec.EncodeInput(recordID, text, img), record: rec}, nil
}

func (p *Preprocessor) fetchImage(ctx context.Context, rec map[string]any) (*prompt.Image, error) {
	uri, _ := rec["image_uri"].(string)
	if uri == "" {
		return nil, fmt.Errorf("image record missing image_uri")
	}
	data, err := p.store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch image %q: %w", uri, err)
	}
	return &prompt.Image{MediaType: mediaTypeFor(uri), Data: data}, nil
}

func normalizeCategory(v any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
}

func mediaTypeFor(uri string) string {
	switch strings.ToLower(path.Ext(uri)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func parseCSV(data []byte) ([]map[string]any, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	all, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(all) < 1 {
		return nil, nil
	}
	header := all[0]
	records := make([]map[string]any, 0, len(all)-1)
	for _, line := range all[1:] {
		rec := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(line) {
				rec[col] = line[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
