package localsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEndpointTrimsOpenAISuffixes(t *testing.T) {
	for raw, want := range map[string]string{
		"http://localhost:8001/v1/chat/completions": "http://localhost:8001/v1",
		"http://localhost:8001/v1/models":           "http://localhost:8001/v1",
		"http://localhost:8001/v1/":                 "http://localhost:8001/v1",
		"http://localhost:8001":                     "http://localhost:8001/v1",
		"https://ocr.example.com/api":               "https://ocr.example.com/api",
	} {
		got, err := NormalizeEndpoint(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestNormalizeEndpointIsIdempotent(t *testing.T) {
	for _, raw := range []string{
		"http://localhost:8001/v1/chat/completions",
		"https://ocr.example.com/api/",
		"http://127.0.0.1:9000",
	} {
		once, err := NormalizeEndpoint(raw)
		require.NoError(t, err)
		twice, err := NormalizeEndpoint(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeEndpointRejectsBadInput(t *testing.T) {
	_, err := NormalizeEndpoint("ftp://example.com")
	assert.ErrorIs(t, err, ErrScheme)

	_, err = NormalizeEndpoint("http://")
	assert.ErrorIs(t, err, ErrNetloc)
}

func TestProbeCandidatesDedupedInOrder(t *testing.T) {
	candidates := ProbeCandidates("http://localhost:8001/v1")
	assert.Equal(t, []string{
		"http://localhost:8001/v1/models",
		"http://localhost:8001/health",
	}, candidates)
}

func TestProbeHealthFirstSub500Wins(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusNotFound) // still < 500: endpoint is alive
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := ProbeHealth(context.Background(), server.URL+"/v1", 2*time.Second)
	assert.True(t, result.Healthy)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, server.URL+"/v1/models", result.ProbeURL)
	assert.Equal(t, []string{"/v1/models"}, paths, "first hit wins; /health never probed")
}

func TestProbeHealthFallsThroughServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := ProbeHealth(context.Background(), server.URL+"/v1", 2*time.Second)
	assert.True(t, result.Healthy)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, server.URL+"/health", result.ProbeURL)
}

func TestProbeHealthUnreachableEndpoint(t *testing.T) {
	result := ProbeHealth(context.Background(), "http://127.0.0.1:1/v1", time.Second)
	assert.False(t, result.Healthy)
	assert.Zero(t, result.StatusCode)
}
