package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())

	assert.Equal(t, 45, s.Hysteresis.CooldownSeconds)
	assert.Equal(t, 180, s.Hysteresis.FlapWindowSeconds)
	assert.Equal(t, 3, s.Hysteresis.FlapThreshold)
	assert.Equal(t, 25_000_000, s.OCR.MaxBatchBytes)
	assert.Equal(t, "prometheus", s.Telemetry.MetricsBackend)
}

func TestValidateRejectsBadURLs(t *testing.T) {
	s := Defaults()
	s.OCR.ServerURL = "ftp://example.com"
	assert.ErrorContains(t, s.Validate(), "scheme")

	s = Defaults()
	s.OCR.LocalURL = "http://"
	assert.ErrorContains(t, s.Validate(), "host")
}

func TestValidateRejectsEmptyModel(t *testing.T) {
	s := Defaults()
	s.OCR.Model = "  "
	assert.ErrorContains(t, s.Validate(), "model")
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	s := Defaults()
	s.OCR.MinConcurrency = 0
	assert.Error(t, s.Validate())

	s = Defaults()
	s.OCR.MaxConcurrency = 0
	assert.Error(t, s.Validate())
}

func TestValidateRejectsUnknownMetricsBackend(t *testing.T) {
	s := Defaults()
	s.Telemetry.MetricsBackend = "statsd"
	assert.ErrorContains(t, s.Validate(), "metrics_backend")
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ocr:
  server_url: https://remote.example.com/v1
  model: glm-ocr
  max_concurrency: 8
hysteresis:
  cooldown_seconds: 10
telemetry:
  metrics_backend: noop
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://remote.example.com/v1", s.OCR.ServerURL)
	assert.Equal(t, 8, s.OCR.MaxConcurrency)
	assert.Equal(t, 10, s.Hysteresis.CooldownSeconds)
	// untouched keys keep their defaults
	assert.Equal(t, 180, s.Hysteresis.FlapWindowSeconds)
	assert.Equal(t, 25_000_000, s.OCR.MaxBatchBytes)
	assert.Equal(t, "noop", s.Telemetry.MetricsBackend)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ocr:\n  model: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatcherDeliversReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ocr:\n  model: glm-ocr\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	changes := make(chan Settings, 4)
	require.NoError(t, w.Start(func(s Settings) { changes <- s }, nil))

	require.NoError(t, os.WriteFile(path, []byte("ocr:\n  model: glm-ocr\n  max_concurrency: 9\n"), 0o644))

	select {
	case got := <-changes:
		assert.Equal(t, 9, got.OCR.MaxConcurrency)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherReportsInvalidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ocr:\n  model: glm-ocr\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	errs := make(chan error, 4)
	require.NoError(t, w.Start(nil, func(err error) { errs <- err }))

	require.NoError(t, os.WriteFile(path, []byte("ocr:\n  model: \"\"\n"), 0o644))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}
