package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectClientProcessTile(t *testing.T) {
	var captured map[string]any
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &captured)
		return jsonResponse(200, map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "# tile"}}},
		}, nil), nil
	})
	client := NewDirectClient("http://localhost:8001/v1/chat/completions", "", nil).WithHTTPClient(doer)

	md, err := client.ProcessTile(context.Background(), []byte("img"), "")
	require.NoError(t, err)
	assert.Equal(t, "# tile", md)
	assert.Equal(t, GLMOpenAIDefaultModel, captured["model"])
}

func TestDirectClientProcessBatchSubstitutesEmptyOnFailure(t *testing.T) {
	var call int
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		call++
		if call == 2 {
			return jsonResponse(500, map[string]any{"error": "boom"}, nil), nil
		}
		return jsonResponse(200, map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "ok"}}},
		}, nil), nil
	})
	client := NewDirectClient("", "", nil).WithHTTPClient(doer)

	results := client.ProcessBatch(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")}, 1)
	assert.Equal(t, []string{"ok", "", "ok"}, results)
}
