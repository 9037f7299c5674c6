// The simulator stands in for the external batch inference service during
// local runs: it reads a batch-input file, fabricates a model output per
// record, writes the output file and manifest, and publishes a Completed
// state-change event.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/config"
	"batch-orchestrator/pkg/mq"
	"batch-orchestrator/pkg/storage"
)

func main() {
	jobID := flag.String("job-id", "", "job id to report completion for")
	inputURI := flag.String("input", "", "batch-input JSONL URI")
	outputURI := flag.String("output", "", "output prefix URI")
	response := flag.String("response", "simulated response", "text every record gets as its model output")
	flag.Parse()

	_ = godotenv.Load()

	if *jobID == "" || *inputURI == "" || *outputURI == "" {
		log.Fatal("usage: simulator -job-id <id> -input <s3://...jsonl> -output <s3://.../>")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	store := storage.NewS3Store(storage.Options{
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		KeyID:    cfg.S3KeyID,
		Secret:   cfg.S3Secret,
	})
	mqClient, err := mq.New()
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer mqClient.Close()
	if err := mqClient.SetupTopology(); err != nil {
		log.Fatalf("failed to setup rabbitmq topology: %v", err)
	}

	ctx := context.Background()
	count, err := runJob(ctx, store, *inputURI, *outputURI, *response)
	if err != nil {
		log.Fatalf("simulated job failed: %v", err)
	}

	ev := batch.StatusEvent{
		JobID:     *jobID,
		Status:    batch.StatusCompleted,
		OutputURI: *outputURI,
		EmittedAt: time.Now().UTC(),
	}
	if err := mqClient.PublishStatusEvent(ctx, ev); err != nil {
		log.Fatalf("failed to publish completion event: %v", err)
	}
	log.Printf("simulated job %s completed: %d records", *jobID, count)
}

// runJob echoes each input record back with a fabricated model output, the
// same shape the real service writes.
func runJob(ctx context.Context, store storage.ObjectStore, inputURI, outputURI, response string) (int, error) {
	data, err := store.Get(ctx, inputURI)
	if err != nil {
		return 0, fmt.Errorf("read batch input: %w", err)
	}
	records, err := storage.UnmarshalLines(data)
	if err != nil {
		return 0, fmt.Errorf("parse batch input: %w", err)
	}

	outLines := make([]map[string]any, len(records))
	for i, rec := range records {
		outLines[i] = map[string]any{
			"recordId":   rec["recordId"],
			"modelInput": rec["modelInput"],
			"modelOutput": map[string]any{
				"content":     []any{map[string]any{"type": "text", "text": response}},
				"stop_reason": "end_turn",
			},
		}
	}

	body, err := storage.MarshalLines(outLines)
	if err != nil {
		return 0, err
	}
	base := inputURI[strings.LastIndex(inputURI, "/")+1:]
	if err := store.Put(ctx, strings.TrimSuffix(outputURI, "/")+"/"+base+".out", body); err != nil {
		return 0, fmt.Errorf("write batch output: %w", err)
	}

	manifest := map[string]any{
		"totalRecordCount":     len(records),
		"processedRecordCount": len(records),
		"successRecordCount":   len(records),
		"errorRecordCount":     0,
	}
	manifestBody, err := storage.MarshalLines([]map[string]any{manifest})
	if err != nil {
		return 0, err
	}
	if err := store.Put(ctx, strings.TrimSuffix(outputURI, "/")+"/manifest.json.out", manifestBody); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}
	return len(records), nil
}
