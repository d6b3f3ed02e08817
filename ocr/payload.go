package ocr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pagepress/ocrpilot/localsvc"
)

// GLM adapter defaults. The prompt is part of the wire contract with tuned
// inference servers; change it only alongside the serving stack.
const (
	GLMDefaultPrompt      = "Convert this image to markdown preserving structure and text."
	GLMOpenAIDefaultModel = "zai-org/GLM-4.1V-9B-Thinking"
	GLMMaaSDefaultModel   = "glm-4.5v"
)

// legacyEndpointSuffix is the batch OCR path appended to non-OpenAI bases.
const legacyEndpointSuffix = "/v1/ocr"

// resolveSubmitEndpoint maps a configured URL onto a concrete submission URL.
// A base whose normalized path ends in /v1 speaks the OpenAI chat shape; any
// other base keeps the legacy batch contract at {url}/v1/ocr.
func resolveSubmitEndpoint(raw string) (submitURL string, chat bool) {
	if normalized, err := localsvc.NormalizeEndpoint(raw); err == nil && strings.HasSuffix(normalized, "/v1") {
		return normalized + "/chat/completions", true
	}
	base := strings.TrimRight(raw, "/")
	if strings.HasSuffix(base, strings.TrimPrefix(legacyEndpointSuffix, "/")) {
		return base, false
	}
	return base + legacyEndpointSuffix, false
}

// NormalizeFileReference accepts an http(s) URL or data URI unchanged and
// wraps raw base64 into a PNG data URI.
func NormalizeFileReference(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref
	}
	return "data:image/png;base64," + ref
}

// BuildOpenAIChatPayload constructs the chat-completions request for one tile.
func BuildOpenAIChatPayload(imageB64, prompt, model string) map[string]any {
	if prompt == "" {
		prompt = GLMDefaultPrompt
	}
	return map[string]any{
		"model": model,
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": prompt},
					map[string]any{"type": "image_url", "image_url": map[string]any{
						"url": "data:image/png;base64," + imageB64,
					}},
				},
			},
		},
		"max_tokens":  4096,
		"temperature": 0.0,
	}
}

// BuildMaaSPayload constructs the model-as-a-service request for one file.
func BuildMaaSPayload(fileRef, model string) map[string]any {
	return map[string]any{
		"model": model,
		"file":  NormalizeFileReference(fileRef),
	}
}

func buildLegacyPayload(tiles []encodedTile, useFP8 bool) map[string]any {
	input := make([]any, 0, len(tiles))
	for _, tile := range tiles {
		input = append(input, map[string]any{"id": tile.tileID, "image": tile.imageB64})
	}
	return map[string]any{
		"model":   tiles[0].model,
		"input":   input,
		"options": map[string]any{"fp8": useFP8},
	}
}

// ExtractOpenAIMarkdown normalizes a chat-completions response: a string
// content, newline-joined text content parts, or a legacy choices[].text.
func ExtractOpenAIMarkdown(payload map[string]any) (string, error) {
	choices, _ := payload["choices"].([]any)
	if len(choices) > 0 {
		first, _ := choices[0].(map[string]any)
		if first != nil {
			if message, _ := first["message"].(map[string]any); message != nil {
				switch content := message["content"].(type) {
				case string:
					if trimmed := strings.TrimSpace(content); trimmed != "" {
						return trimmed, nil
					}
				case []any:
					var parts []string
					for _, entry := range content {
						part, _ := entry.(map[string]any)
						if part == nil {
							continue
						}
						if text, ok := part["text"].(string); ok && text != "" {
							parts = append(parts, text)
						}
					}
					if len(parts) > 0 {
						return strings.Join(parts, "\n"), nil
					}
				}
			}
			if text, ok := first["text"].(string); ok {
				if trimmed := strings.TrimSpace(text); trimmed != "" {
					return trimmed, nil
				}
			}
		}
	}
	return "", fmt.Errorf("chat response missing markdown content")
}

// ExtractMaaSMarkdown normalizes a MaaS response, accepting markdown/content
// at the top level or nested under result/data envelopes.
func ExtractMaaSMarkdown(payload map[string]any) (string, error) {
	if md, ok := extractEntryMarkdown(payload); ok {
		return md, nil
	}
	for _, key := range []string{"result", "data"} {
		if nested, _ := payload[key].(map[string]any); nested != nil {
			if md, err := ExtractMaaSMarkdown(nested); err == nil {
				return md, nil
			}
		}
	}
	return "", fmt.Errorf("maas response missing markdown content")
}

// extractEntryMarkdown pulls markdown or content from one response entry.
func extractEntryMarkdown(entry map[string]any) (string, bool) {
	if entry == nil {
		return "", false
	}
	if md, ok := entry["markdown"].(string); ok {
		return md, true
	}
	if content, ok := entry["content"].(string); ok {
		return content, true
	}
	return "", false
}

// extractLegacyBatch normalizes the legacy batch response formats with
// multi-input support: results/data arrays covering every tile, or a lone
// top-level entry when the batch holds a single tile.
func extractLegacyBatch(payload map[string]any, tileIDs []string) ([]string, error) {
	var source []any
	if results, ok := payload["results"].([]any); ok && len(results) >= len(tileIDs) {
		source = results
	} else if data, ok := payload["data"].([]any); ok && len(data) >= len(tileIDs) {
		source = data
	}

	if source != nil {
		out := make([]string, 0, len(tileIDs))
		for idx, tileID := range tileIDs {
			entry, _ := source[idx].(map[string]any)
			chunk, ok := extractEntryMarkdown(entry)
			if !ok {
				return nil, fmt.Errorf("ocr response missing markdown content for tile %s", tileID)
			}
			out = append(out, chunk)
		}
		return out, nil
	}

	if single, ok := extractEntryMarkdown(payload); ok && len(tileIDs) == 1 {
		return []string{single}, nil
	}
	return nil, fmt.Errorf("ocr response missing markdown content for batch")
}

// extractRequestID pulls the X-Request-ID header (case-insensitive) or the
// body request_id string.
func extractRequestID(header http.Header, payload map[string]any) string {
	if id := header.Get("X-Request-ID"); id != "" {
		return id
	}
	if id, ok := payload["request_id"].(string); ok {
		return id
	}
	return ""
}
