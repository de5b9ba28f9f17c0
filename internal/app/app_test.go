package app

import (
	"path/filepath"
	"testing"
	"time"

	"catalogsync/internal/config"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicies(t *testing.T) {
	cfg := &config.Config{Pools: map[string]config.PoolConfig{
		queue.ImageUpload:  {Attempts: 5, Backoff: "exponential", BackoffDelay: 2 * time.Second},
		queue.SupplierSync: {Attempts: 2, Backoff: "FIXED", BackoffDelay: time.Minute},
	}}
	p := Policies(cfg)

	require.Len(t, p, len(queue.Names))
	assert.Equal(t, queue.Policy{Attempts: 5, Backoff: queue.Backoff{Kind: models.BackoffExponential, Delay: 2 * time.Second}}, p[queue.ImageUpload])
	assert.Equal(t, models.BackoffFixed, p[queue.SupplierSync].Backoff.Kind)
	assert.Equal(t, 1, p[queue.GeminiSync].Attempts, "unconfigured queue still runs once")
}

func TestNewCoreOnSQLite(t *testing.T) {
	cfg := &config.Config{
		DatabaseURL:     "sqlite://" + filepath.Join(t.TempDir(), "catalog.db"),
		QueueNotify:     true,
		QueueStaleAfter: time.Minute,
		MeiliIndex:      "products",
	}
	c, err := NewCore(cfg, logger.Nop())
	require.NoError(t, err)
	defer c.Close()

	l, err := c.Listener()
	require.NoError(t, err)
	assert.Nil(t, l, "no LISTEN on sqlite")

	stats, err := c.Jobs.GetStats(t.Context(), queue.SupplierSync)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
}
