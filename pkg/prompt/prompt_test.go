package prompt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := ParseRegistry([]byte(`{
		"templates": [
			{"id": "describe", "text": "Describe {name} in one sentence."},
			{"id": "summarize", "text": "Summarize: {body}", "max_tokens": 512,
			 "output_schema": {"summary": "summary", "tone": "meta.tone"}},
			{"id": "color", "text": "What color is {name}?"}
		],
		"expansion_rules": [
			{"id": "full_review", "prompts": [
				{"aspect": "description", "prompt_id": "describe"},
				{"aspect": "color", "prompt_id": "color"}
			]}
		]
	}`))
	require.NoError(t, err)
	return reg
}

func TestRender(t *testing.T) {
	out, err := Render("Describe {name} located in {city}.", map[string]any{
		"name": "the bridge",
		"city": "Porto",
	})
	require.NoError(t, err)
	require.Equal(t, "Describe the bridge located in Porto.", out)
}

func TestRenderMissingKey(t *testing.T) {
	_, err := Render("Describe {name} in {style}.", map[string]any{"name": "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "style")
}

func TestRenderNonStringValues(t *testing.T) {
	out, err := Render("Rate {count} items.", map[string]any{"count": 3})
	require.NoError(t, err)
	require.Equal(t, "Rate 3 items.", out)
}

func TestParseRegistry(t *testing.T) {
	reg := testRegistry(t)

	tpl, ok := reg.Get("summarize")
	require.True(t, ok)
	require.Equal(t, 512, tpl.MaxTokens)
	require.Equal(t, "meta.tone", tpl.OutputSchema["tone"])

	require.True(t, reg.IsExpansion("full_review"))
	require.False(t, reg.IsExpansion("describe"))
	require.Equal(t, []string{"color", "describe", "summarize"}, reg.TemplateIDs())
}

func TestParseRegistryRejectsIDCollision(t *testing.T) {
	_, err := ParseRegistry([]byte(`{
		"templates": [{"id": "dup", "text": "x"}],
		"expansion_rules": [{"id": "dup", "prompts": [{"aspect": "a", "prompt_id": "dup"}]}]
	}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "collides")
}

func TestValidateExpansionRule(t *testing.T) {
	reg := testRegistry(t)
	require.Empty(t, reg.ValidateExpansionRule("full_review"))

	reg.RegisterExpansion(ExpansionRule{ID: "broken", Prompts: []SubPrompt{
		{Aspect: "a", PromptID: "describe"},
		{Aspect: "a", PromptID: "missing"},
	}})
	errs := reg.ValidateExpansionRule("broken")
	require.Len(t, errs, 2)
	require.Contains(t, errs[0], "duplicate aspect")
	require.Contains(t, errs[1], "not found")
}

func TestConfigValidate(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"single ok", Config{Mode: ModeSingle, PromptID: "describe"}, ""},
		{"single missing id", Config{Mode: ModeSingle}, "'prompt_id' is required"},
		{"single unknown prompt", Config{Mode: ModeSingle, PromptID: "nope"}, "not found"},
		{"single refs expansion rule", Config{Mode: ModeSingle, PromptID: "full_review"}, "expansion rule, not a prompt"},
		{"mapped ok", Config{Mode: ModeMapped, ColumnName: "prompt_id"}, ""},
		{"mapped missing column", Config{Mode: ModeMapped}, "'column_name' is required"},
		{"expanded ok", Config{
			Mode:             ModeExpanded,
			CategoryColumn:   "category",
			ExpansionMapping: map[string]string{"product": "full_review"},
		}, ""},
		{"expanded maps to template", Config{
			Mode:             ModeExpanded,
			CategoryColumn:   "category",
			ExpansionMapping: map[string]string{"product": "describe"},
		}, "is not an expansion rule"},
		{"unknown mode", Config{Mode: "tripled"}, "invalid prompt_config mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.cfg.Validate(reg, "stage1")
			if tt.wantErr == "" {
				require.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			require.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestExpansionMultiplier(t *testing.T) {
	reg := testRegistry(t)

	single := Config{Mode: ModeSingle, PromptID: "describe"}
	require.Equal(t, 1.0, single.ExpansionMultiplier(reg))

	expanded := Config{
		Mode:             ModeExpanded,
		CategoryColumn:   "category",
		ExpansionMapping: map[string]string{"product": "full_review"},
	}
	require.Equal(t, 2.0, expanded.ExpansionMultiplier(reg))
}

func TestAnthropicCodecRoundTrip(t *testing.T) {
	codec := AnthropicCodec{MaxTokens: 256}
	require.Equal(t, "text", codec.ModelType())

	line := codec.EncodeInput("rec-1", "hello", nil)
	require.Equal(t, "rec-1", line["recordId"])
	input := line["modelInput"].(map[string]any)
	require.Equal(t, 256, input["max_tokens"])

	decoded, err := codec.DecodeOutput(map[string]any{
		"recordId":   "rec-1",
		"modelInput": input,
		"modelOutput": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "hi there"},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "rec-1", decoded.RecordID)
	require.Equal(t, "hi there", decoded.Response)
}

func TestAnthropicCodecEncodesImage(t *testing.T) {
	codec := AnthropicCodec{}
	line := codec.EncodeInput("rec-2", "what is this?", &Image{
		MediaType: "image/png",
		Data:      []byte{1, 2, 3},
	})
	input := line["modelInput"].(map[string]any)
	require.Equal(t, defaultMaxTokens, input["max_tokens"])
	msgs := input["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	img := content[0].(map[string]any)
	require.Equal(t, "image", img["type"])
	require.Equal(t, "image/png", img["source"].(map[string]any)["media_type"])
}

func TestAnthropicCodecRejectsMalformedOutput(t *testing.T) {
	codec := AnthropicCodec{}
	_, err := codec.DecodeOutput(map[string]any{"recordId": "rec-3"})
	require.Error(t, err)

	_, err = codec.DecodeOutput(map[string]any{
		"recordId":    "rec-3",
		"modelOutput": map[string]any{"content": []any{}},
	})
	require.Error(t, err)
}

func TestTitanEmbedCodec(t *testing.T) {
	codec := TitanEmbedCodec{}
	require.Equal(t, "embedding", codec.ModelType())

	line := codec.EncodeInput("rec-4", "embed me", nil)
	input := line["modelInput"].(map[string]any)
	require.Equal(t, "embed me", input["inputText"])

	decoded, err := codec.DecodeOutput(map[string]any{
		"recordId":    "rec-4",
		"modelOutput": map[string]any{"embedding": []any{0.1, 0.2}},
	})
	require.NoError(t, err)
	require.Equal(t, []any{0.1, 0.2}, decoded.Fields["embedding"])
	require.Empty(t, decoded.Response)
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("anthropic.claude-3-5-sonnet-20241022-v2:0", 100)
	require.NoError(t, err)
	require.Equal(t, "text", c.ModelType())

	c, err = CodecFor("amazon.titan-embed-text-v2:0", 0)
	require.NoError(t, err)
	require.Equal(t, "embedding", c.ModelType())

	_, err = CodecFor("cohere.command-r-v1:0", 0)
	require.Error(t, err)
}

func TestSupportedModel(t *testing.T) {
	require.True(t, SupportedModel("anthropic.claude-3-haiku-20240307-v1:0"))
	require.True(t, SupportedModel("us.anthropic.claude-3-5-sonnet-20241022-v2:0"))
	require.True(t, SupportedModel("amazon.titan-embed-text-v2:0"))
	require.False(t, SupportedModel("meta.llama3-70b-instruct-v1:0"))
}
