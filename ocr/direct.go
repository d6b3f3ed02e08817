package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagepress/ocrpilot/telemetry/logging"
)

// DirectClient is a small standalone client for one-off tile OCR against an
// OpenAI-compatible endpoint, bypassing policy, failover, and batching.
type DirectClient struct {
	Endpoint string
	Model    string
	http     HTTPDoer
	logger   logging.Logger
}

// NewDirectClient builds a client with a bounded-timeout HTTP transport.
func NewDirectClient(endpoint, model string, base *slog.Logger) *DirectClient {
	if endpoint == "" {
		endpoint = "http://localhost:8001/v1/chat/completions"
	}
	if model == "" {
		model = GLMOpenAIDefaultModel
	}
	return &DirectClient{
		Endpoint: endpoint,
		Model:    model,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logging.Component(base, "ocr.direct"),
	}
}

// WithHTTPClient overrides the transport. Reserved for tests.
func (d *DirectClient) WithHTTPClient(doer HTTPDoer) *DirectClient {
	if doer != nil {
		d.http = doer
	}
	return d
}

// ProcessTile converts one tile image to Markdown.
func (d *DirectClient) ProcessTile(ctx context.Context, tileBytes []byte, prompt string) (string, error) {
	payload := BuildOpenAIChatPayload(base64.StdEncoding.EncodeToString(tileBytes), prompt, d.Model)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("local OCR returned status %d", resp.StatusCode)
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("unexpected local OCR response shape: %w", err)
	}
	return ExtractOpenAIMarkdown(parsed)
}

// ProcessBatch converts tiles in bounded concurrent waves, substituting an
// empty string for failed tiles so output stays aligned to input.
func (d *DirectClient) ProcessBatch(ctx context.Context, tiles [][]byte, batchSize int) []string {
	if batchSize < 1 {
		batchSize = 1
	}
	results := make([]string, len(tiles))
	for start := 0; start < len(tiles); start += batchSize {
		end := start + batchSize
		if end > len(tiles) {
			end = len(tiles)
		}
		type item struct {
			idx int
			md  string
		}
		ch := make(chan item, end-start)
		for i := start; i < end; i++ {
			go func(i int) {
				md, err := d.ProcessTile(ctx, tiles[i], "")
				if err != nil {
					d.logger.WarnCtx(ctx, "local OCR tile failed", slog.Int("tile", i), slog.Any("error", err))
					md = ""
				}
				ch <- item{idx: i, md: md}
			}(i)
		}
		for i := start; i < end; i++ {
			out := <-ch
			results[out.idx] = out.md
		}
	}
	return results
}
