// Package dataset fetches records of externally hosted datasets by
// identifier, so a pipeline stage can reference a dataset instead of a file
// already staged in the object store.
package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"batch-orchestrator/pkg/storage"
)

// Client fetches dataset records over the dataset service's HTTP API.
// Records are served as JSON-lines from /datasets/{id}/records.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// FetchRecords downloads every record of the dataset split. An empty split
// leaves the choice to the service (conventionally "train").
func (c *Client) FetchRecords(ctx context.Context, datasetID, split string) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/records", c.baseURL, url.PathEscape(datasetID))
	if split != "" {
		endpoint += "?split=" + url.QueryEscape(split)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	req.Header.Set("Accept", "application/jsonl")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset %q: %w", datasetID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch dataset %q: %s: %s", datasetID, resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read dataset %q: %w", datasetID, err)
	}
	records, err := storage.UnmarshalLines(data)
	if err != nil {
		return nil, fmt.Errorf("parse dataset %q: %w", datasetID, err)
	}
	return records, nil
}
