package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyList(t *testing.T) {
	tests := []struct {
		name   string
		list   string
		single string
		want   []string
	}{
		{"list wins", " k1, k2 ,k1,,k3 ", "solo", []string{"k1", "k2", "k3"}},
		{"single fallback", "", "solo", []string{"solo"}},
		{"blank list falls back", "   ", " solo ", []string{"solo"}},
		{"nothing", "", "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseKeyList(tt.list, tt.single))
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("IMAGE_SINK", "")
	t.Setenv("GEMINI_BACKEND", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("FORMAT_SAMPLE_PAGES", "")
	t.Setenv("ENGINE_TIMEOUT_MS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FormatSamplePages)
	assert.Equal(t, "fs", cfg.ImageSink)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, 90*time.Second, cfg.EngineTimeout)
	assert.True(t, cfg.DetectSnap)
	assert.Empty(t, cfg.GeminiAPIKeys)
	assert.Equal(t, []string{"eng"}, cfg.TesseractLanguages)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "a,b")
	t.Setenv("ENGINE_TIMEOUT_MS", "2500")
	t.Setenv("DETECT_SNAP", "false")
	t.Setenv("TESSERACT_LANGUAGES", "eng+spa")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, cfg.GeminiAPIKeys)
	assert.Equal(t, 2500*time.Millisecond, cfg.EngineTimeout)
	assert.False(t, cfg.DetectSnap)
	assert.Equal(t, []string{"eng", "spa"}, cfg.TesseractLanguages)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			RedisURL:          "redis://localhost:6379",
			QueueBackend:      "redis",
			WorkerConcurrency: 2,
			MaxFileSize:       1 << 20,
			FormatSamplePages: 3,
			EngineTimeout:     time.Minute,
			ImageSink:         "fs",
			GeminiBackend:     "apikey",
			VLMTemperature:    0.4,
			GeminiRPS:         4,
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing redis", func(c *Config) { c.RedisURL = "" }},
		{"bad backend", func(c *Config) { c.QueueBackend = "kafka" }},
		{"concurrency", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"sample pages", func(c *Config) { c.FormatSamplePages = 0 }},
		{"gcs without bucket", func(c *Config) { c.ImageSink = "gcs" }},
		{"artifact without url", func(c *Config) { c.ImageSink = "artifact" }},
		{"vertex without project", func(c *Config) { c.GeminiBackend = "vertex" }},
		{"short timeout", func(c *Config) { c.EngineTimeout = 10 * time.Millisecond }},
		{"zero rps", func(c *Config) { c.GeminiRPS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
