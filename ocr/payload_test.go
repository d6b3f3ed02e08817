package ocr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFileReferenceAcceptsURLsDataURIAndRawB64(t *testing.T) {
	assert.Equal(t, "https://example.com/file.png", NormalizeFileReference("https://example.com/file.png"))
	assert.Equal(t, "data:image/png;base64,AAAA", NormalizeFileReference("data:image/png;base64,AAAA"))
	assert.Equal(t, "data:image/png;base64,QUJDRA==", NormalizeFileReference("QUJDRA=="))
}

func TestBuildMaaSPayloadContractShape(t *testing.T) {
	payload := BuildMaaSPayload("https://example.com/a.png", GLMMaaSDefaultModel)
	assert.Equal(t, GLMMaaSDefaultModel, payload["model"])
	assert.Equal(t, "https://example.com/a.png", payload["file"])
}

func TestBuildOpenAIChatPayloadContractShape(t *testing.T) {
	payload := BuildOpenAIChatPayload("AAAA", GLMDefaultPrompt, GLMOpenAIDefaultModel)
	assert.Equal(t, GLMOpenAIDefaultModel, payload["model"])
	assert.Equal(t, 4096, payload["max_tokens"])

	messages, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	imagePart := content[1].(map[string]any)
	assert.Equal(t, "image_url", imagePart["type"])
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	assert.Equal(t, "data:image/png;base64,AAAA", url)
}

func TestExtractMaaSMarkdownFromNestedShapes(t *testing.T) {
	md, err := ExtractMaaSMarkdown(map[string]any{"markdown": "# title"})
	require.NoError(t, err)
	assert.Equal(t, "# title", md)

	md, err = ExtractMaaSMarkdown(map[string]any{
		"result": map[string]any{"data": map[string]any{"content": "nested markdown"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "nested markdown", md)
}

func TestExtractOpenAIMarkdownFromStringAndContentParts(t *testing.T) {
	md, err := ExtractOpenAIMarkdown(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": "plain markdown"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain markdown", md)

	md, err = ExtractOpenAIMarkdown(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": []any{
			map[string]any{"type": "text", "text": "line one"},
			map[string]any{"type": "text", "text": "line two"},
		}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", md)
}

func TestExtractOpenAIMarkdownLegacyTextField(t *testing.T) {
	md, err := ExtractOpenAIMarkdown(map[string]any{
		"choices": []any{map[string]any{"text": "from text field"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from text field", md)
}

func TestExtractHelpersRaiseForMissingContent(t *testing.T) {
	_, err := ExtractMaaSMarkdown(map[string]any{"result": map[string]any{}})
	assert.Error(t, err)

	_, err = ExtractOpenAIMarkdown(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": []any{}}}},
	})
	assert.Error(t, err)
}

func TestExtractLegacyBatchShapes(t *testing.T) {
	chunks, err := extractLegacyBatch(map[string]any{
		"results": []any{
			map[string]any{"markdown": "one"},
			map[string]any{"content": "two"},
		},
	}, []string{"t0", "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, chunks)

	chunks, err = extractLegacyBatch(map[string]any{
		"data": []any{map[string]any{"markdown": "from data"}},
	}, []string{"t0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"from data"}, chunks)

	chunks, err = extractLegacyBatch(map[string]any{"markdown": "single"}, []string{"t0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, chunks)

	_, err = extractLegacyBatch(map[string]any{"markdown": "single"}, []string{"t0", "t1"})
	assert.Error(t, err, "single-field fallback only applies to one-tile batches")

	_, err = extractLegacyBatch(map[string]any{"unexpected": []any{}}, []string{"t0"})
	assert.Error(t, err)
}

func TestExtractRequestIDHeaderWinsOverBody(t *testing.T) {
	header := http.Header{}
	header.Set("x-request-id", "req-header")
	assert.Equal(t, "req-header", extractRequestID(header, map[string]any{"request_id": "req-body"}))
	assert.Equal(t, "req-body", extractRequestID(http.Header{}, map[string]any{"request_id": "req-body"}))
	assert.Empty(t, extractRequestID(http.Header{}, map[string]any{}))
}

func TestResolveSubmitEndpointDispatch(t *testing.T) {
	url, chat := resolveSubmitEndpoint("http://localhost:8001/v1")
	assert.True(t, chat)
	assert.Equal(t, "http://localhost:8001/v1/chat/completions", url)

	url, chat = resolveSubmitEndpoint("http://localhost:8001/v1/chat/completions")
	assert.True(t, chat)
	assert.Equal(t, "http://localhost:8001/v1/chat/completions", url)

	url, chat = resolveSubmitEndpoint("https://example.com/api")
	assert.False(t, chat)
	assert.Equal(t, "https://example.com/api/v1/ocr", url)

	url, chat = resolveSubmitEndpoint("https://example.com/api/v1/ocr")
	assert.False(t, chat)
	assert.Equal(t, "https://example.com/api/v1/ocr", url)
}
