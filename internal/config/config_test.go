package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CATALOG_LOCALES", "")
	t.Setenv("IMAGE_UPLOAD_CONCURRENCY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"en", "de", "fr", "nl"}, cfg.Locales)
	assert.Equal(t, 10, cfg.Pools["image-upload"].Concurrency)
	assert.Equal(t, 1, cfg.Pools["supplier-sync"].Concurrency)
	assert.Equal(t, 1, cfg.Pools["gemini-sync"].Concurrency)
	assert.Len(t, cfg.Pools, 5)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CATALOG_LOCALES", "en, it ,")
	t.Setenv("IMAGE_UPLOAD_CONCURRENCY", "4")
	t.Setenv("IMAGE_UPLOAD_BACKOFF_DELAY", "750ms")
	t.Setenv("QUEUE_NOTIFY", "off")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"en", "it"}, cfg.Locales)
	assert.Equal(t, 4, cfg.Pools["image-upload"].Concurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.Pools["image-upload"].BackoffDelay)
	assert.False(t, cfg.QueueNotify)
}

func TestValidateListsMissing(t *testing.T) {
	cfg := &Config{DatabaseURL: "sqlite://x.db", MeiliURL: "http://m"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEED_BASE_URL")
	assert.Contains(t, err.Error(), "GCS_BUCKET")
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}
