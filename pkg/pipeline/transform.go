package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/storage"
)

// Transformer rewrites a previous stage's consolidated output into the shape
// the next stage's preprocessor expects. Transform failures indicate a
// structural mismatch between stages and are fatal for the run.
type Transformer struct {
	store  storage.ObjectStore
	bucket string
	logger *slog.Logger
}

func NewTransformer(store storage.ObjectStore, bucket string, logger *slog.Logger) *Transformer {
	return &Transformer{store: store, bucket: bucket, logger: logger}
}

// Apply reads the previous stage's consolidated result, derives categories,
// applies the category-to-prompt mapping and column renames, and writes the
// transformed table as the next stage's input. Returns the new input URI.
func (t *Transformer) Apply(ctx context.Context, stage Stage, prevPrefix string, prev batch.StageResult) (string, error) {
	data, err := t.store.Get(ctx, prev.OutputURI)
	if err != nil {
		return "", fmt.Errorf("read previous stage output %q: %w", prev.OutputURI, err)
	}
	records, err := storage.UnmarshalLines(data)
	if err != nil {
		return "", fmt.Errorf("parse previous stage output: %w", err)
	}
	t.logger.Info("transforming previous stage output",
		"stage", stage.StageName, "records", len(records))

	for _, rec := range records {
		// The previous stage's classification usually lives in the raw
		// response, either as plain text or as a JSON object with a
		// "category" field. Surface it as a column.
		if _, ok := rec["category"]; !ok {
			if response, ok := rec["response"].(string); ok {
				rec["category"] = extractCategory(response)
			}
		}
		t.applyColumnMappings(stage, rec)
		t.applyCategoryMapping(stage, rec)
	}

	uri := storage.JoinURI(t.bucket,
		fmt.Sprintf("batch_inputs_transformed/%s_to_%s/transformed.jsonl", prevPrefix, stage.JobNamePrefix))
	body, err := storage.MarshalLines(records)
	if err != nil {
		return "", err
	}
	if err := t.store.Put(ctx, uri, body); err != nil {
		return "", fmt.Errorf("write transformed input: %w", err)
	}
	t.logger.Info("stage input transformed", "stage", stage.StageName, "uri", uri)
	return uri, nil
}

// applyColumnMappings renames source columns to the names this stage's
// templates expect. A missing source falls back to the raw response column.
func (t *Transformer) applyColumnMappings(stage Stage, rec map[string]any) {
	for target, source := range stage.ColumnMappings {
		if v, ok := rec[source]; ok {
			rec[target] = v
			if source != target {
				delete(rec, source)
			}
			continue
		}
		if v, ok := rec["response"]; ok {
			rec[target] = v
		}
	}
}

// applyCategoryMapping writes the prompt id selected by the record's category
// into the mapped-mode column. An unmapped category without a default leaves
// the column empty; the preprocessor skips such records with a warning.
func (t *Transformer) applyCategoryMapping(stage Stage, rec map[string]any) {
	if len(stage.CategoryToPromptMapping) == 0 || stage.PromptConfig.ColumnName == "" {
		return
	}
	category := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", rec["category"])))
	promptID, ok := lookupNormalized(stage.CategoryToPromptMapping, category)
	if !ok {
		promptID, ok = lookupNormalized(stage.CategoryToPromptMapping, "default")
	}
	if !ok {
		t.logger.Warn("no prompt mapping for category",
			"stage", stage.StageName, "category", category, "record_id", rec["record_id"])
		return
	}
	rec[stage.PromptConfig.ColumnName] = promptID
}

func lookupNormalized(mapping map[string]string, key string) (string, bool) {
	for k, v := range mapping {
		if strings.ToLower(strings.TrimSpace(k)) == key {
			return v, true
		}
	}
	return "", false
}

// extractCategory pulls a category out of a model response: a JSON object's
// "category" field when present, otherwise the raw trimmed text.
func extractCategory(response string) string {
	if gjson.Valid(response) {
		if cat := gjson.Get(response, "category"); cat.Exists() {
			return cat.String()
		}
	}
	return strings.TrimSpace(response)
}
