package prompt

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Image is an optional attachment for vision prompts.
type Image struct {
	MediaType string // e.g. "image/png"
	Data      []byte
}

// Decoded is the model-facing portion of one batch-output line.
type Decoded struct {
	RecordID string
	// Response is the raw text response for text models; empty for
	// embedding models.
	Response string
	// Fields carries non-text payloads, e.g. the embedding vector.
	Fields map[string]any
}

// Codec structures requests and parses responses for one model family.
// To support another provider, implement Codec and add a case to CodecFor.
type Codec interface {
	// ModelType is "text" or "embedding". Embedding models take the input
	// text directly and have no prompt template.
	ModelType() string
	// EncodeInput builds one batch-input line: {"recordId": ..., "modelInput": {...}}.
	EncodeInput(recordID, text string, img *Image) map[string]any
	// DecodeOutput parses one batch-output line, which pairs the original
	// modelInput with the raw modelOutput.
	DecodeOutput(line map[string]any) (Decoded, error)
}

const defaultMaxTokens = 1024

// AnthropicCodec handles models using the Messages API.
type AnthropicCodec struct {
	MaxTokens int
}

func (c AnthropicCodec) ModelType() string { return "text" }

func (c AnthropicCodec) EncodeInput(recordID, text string, img *Image) map[string]any {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	content := []any{}
	if img != nil {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	content = append(content, map[string]any{
		"type": "text",
		"text": text,
	})
	return map[string]any{
		"recordId": recordID,
		"modelInput": map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"messages": []any{
				map[string]any{
					"role":    "user",
					"content": content,
				},
			},
		},
	}
}

func (c AnthropicCodec) DecodeOutput(line map[string]any) (Decoded, error) {
	recordID, _ := line["recordId"].(string)
	if recordID == "" {
		return Decoded{}, fmt.Errorf("output line missing recordId")
	}
	out, ok := line["modelOutput"].(map[string]any)
	if !ok {
		return Decoded{}, fmt.Errorf("record %s: missing modelOutput", recordID)
	}
	blocks, ok := out["content"].([]any)
	if !ok || len(blocks) == 0 {
		return Decoded{}, fmt.Errorf("record %s: empty content", recordID)
	}
	last, ok := blocks[len(blocks)-1].(map[string]any)
	if !ok {
		return Decoded{}, fmt.Errorf("record %s: malformed content block", recordID)
	}
	text, _ := last["text"].(string)
	return Decoded{RecordID: recordID, Response: text}, nil
}

// TitanEmbedCodec handles the Titan V2 embedding model.
type TitanEmbedCodec struct{}

func (TitanEmbedCodec) ModelType() string { return "embedding" }

func (TitanEmbedCodec) EncodeInput(recordID, text string, _ *Image) map[string]any {
	return map[string]any{
		"recordId": recordID,
		"modelInput": map[string]any{
			"inputText": text,
		},
	}
}

func (TitanEmbedCodec) DecodeOutput(line map[string]any) (Decoded, error) {
	recordID, _ := line["recordId"].(string)
	if recordID == "" {
		return Decoded{}, fmt.Errorf("output line missing recordId")
	}
	out, ok := line["modelOutput"].(map[string]any)
	if !ok {
		return Decoded{}, fmt.Errorf("record %s: missing modelOutput", recordID)
	}
	emb, ok := out["embedding"]
	if !ok {
		return Decoded{}, fmt.Errorf("record %s: missing embedding", recordID)
	}
	return Decoded{RecordID: recordID, Fields: map[string]any{"embedding": emb}}, nil
}

// CodecFor selects the codec for a model id.
func CodecFor(modelID string, maxTokens int) (Codec, error) {
	switch {
	case strings.Contains(modelID, "anthropic"):
		return AnthropicCodec{MaxTokens: maxTokens}, nil
	case strings.Contains(modelID, "amazon.titan-embed-text"):
		return TitanEmbedCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported model_id %q", modelID)
	}
}

// SupportedModel reports whether a model id belongs to a known provider.
// Used during pipeline validation, before any cost is incurred.
func SupportedModel(modelID string) bool {
	for _, prefix := range []string{"anthropic.", "us.anthropic.", "amazon.nova", "amazon.titan"} {
		if strings.HasPrefix(modelID, prefix) {
			return true
		}
	}
	return false
}
