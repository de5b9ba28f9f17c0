package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(reg)

	p.JobFinished("image-upload", OutcomeCompleted, 20*time.Millisecond)
	p.JobFinished("image-upload", OutcomeCompleted, 30*time.Millisecond)
	p.JobFinished("image-upload", OutcomeFailed, time.Second)
	p.ImageResolved(true)
	p.StageUnits("search", "processed", 3)
	p.StageUnits("search", "processed", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.jobs.WithLabelValues("image-upload", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("image-upload", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.imageDedup.WithLabelValues("reused")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.stageUnits.WithLabelValues("search", "processed")))
}

func TestNilPipelineIsSafe(t *testing.T) {
	var p *Pipeline
	p.JobStarted("x")
	p.JobFinished("x", OutcomeCompleted, time.Second)
	p.ImageResolved(false)
}
