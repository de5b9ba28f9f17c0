package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Pipeline captures worker pool and stage health.
type Pipeline struct {
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	inFlight    *prometheus.GaugeVec
	stageUnits  *prometheus.CounterVec
	imageDedup  *prometheus.CounterVec
}

var (
	pipelineOnce sync.Once
	pipeline     *Pipeline
)

// Default returns the process-wide metrics registered on the default registerer.
func Default() *Pipeline {
	pipelineOnce.Do(func() {
		pipeline = New(prometheus.DefaultRegisterer)
	})
	return pipeline
}

// ResetForTest drops the singleton so tests can swap registries.
func ResetForTest() {
	pipelineOnce = sync.Once{}
	pipeline = nil
}

func New(registerer prometheus.Registerer) *Pipeline {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	p := &Pipeline{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogsync",
			Name:      "jobs_total",
			Help:      "Jobs finished per queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catalogsync",
			Name:      "job_duration_seconds",
			Help:      "Handler run time per queue.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "catalogsync",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing per queue.",
		}, []string{"queue"}),
		stageUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogsync",
			Name:      "stage_units_total",
			Help:      "Units recorded on sync sessions per stage and counter.",
		}, []string{"stage", "counter"}),
		imageDedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogsync",
			Name:      "image_assets_total",
			Help:      "Image slots resolved, split by uploaded or reused asset.",
		}, []string{"result"}),
	}
	registerer.MustRegister(p.jobs, p.jobDuration, p.inFlight, p.stageUnits, p.imageDedup)
	return p
}

func (p *Pipeline) JobFinished(queue, outcome string, took time.Duration) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues(queue, outcome).Inc()
	p.jobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

func (p *Pipeline) JobStarted(queue string) {
	if p == nil {
		return
	}
	p.inFlight.WithLabelValues(queue).Inc()
}

func (p *Pipeline) JobDone(queue string) {
	if p == nil {
		return
	}
	p.inFlight.WithLabelValues(queue).Dec()
}

func (p *Pipeline) StageUnits(stage, counter string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.stageUnits.WithLabelValues(stage, counter).Add(float64(n))
}

func (p *Pipeline) ImageResolved(reused bool) {
	if p == nil {
		return
	}
	result := "uploaded"
	if reused {
		result = "reused"
	}
	p.imageDedup.WithLabelValues(result).Inc()
}
