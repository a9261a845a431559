package events

import (
	"context"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/lucasnoah/archon/internal/pipeline"
)

// MetricsEmitter interprets pipeline events into Prometheus instruments.
type MetricsEmitter struct {
	processed *prom.CounterVec
	failed    *prom.CounterVec
	duration  *prom.HistogramVec
	byStage   *prom.GaugeVec

	// stageCounts backs the gauge so decrements clamp at zero instead of
	// going negative when a transition is observed without its predecessor.
	mu          sync.Mutex
	stageCounts map[pipeline.Stage]int
}

// NewMetricsEmitter registers the pipeline instruments on reg. Stage gauges
// are initialized to zero so every enum value is present from the first
// scrape.
func NewMetricsEmitter(reg prom.Registerer) *MetricsEmitter {
	m := &MetricsEmitter{
		processed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "archon",
			Name:      "issues_processed_total",
			Help:      "Issues that finished the pipeline, by repository and result.",
		}, []string{"repository", "result"}),
		failed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "archon",
			Name:      "issues_failed_total",
			Help:      "Issues that failed, by repository and stage.",
		}, []string{"repository", "stage"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "archon",
			Name:      "processing_duration_seconds",
			Help:      "End-to-end pipeline duration per issue.",
			Buckets:   prom.ExponentialBucketsRange(1, 3600, 12),
		}, []string{"repository"}),
		byStage: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "archon",
			Name:      "issues_by_stage",
			Help:      "Issues currently in each pipeline stage.",
		}, []string{"stage"}),
		stageCounts: make(map[pipeline.Stage]int),
	}
	reg.MustRegister(m.processed, m.failed, m.duration, m.byStage)
	for _, s := range pipeline.AllStages {
		m.byStage.WithLabelValues(string(s)).Set(0)
	}
	return m
}

func (m *MetricsEmitter) Emit(_ context.Context, ev Event) error {
	switch ev.Type {
	case TypeStateTransition:
		m.observeTransition(ev)
	case TypeCompletion:
		m.processed.WithLabelValues(ev.Repository, "success").Inc()
		if d, ok := toFloat(ev.Details["duration_seconds"]); ok {
			m.duration.WithLabelValues(ev.Repository).Observe(d)
		}
	case TypeError, TypeTimeout:
		stage, _ := ev.Details["stage"].(string)
		m.failed.WithLabelValues(ev.Repository, stage).Inc()
	}
	return nil
}

func (m *MetricsEmitter) observeTransition(ev Event) {
	from, _ := ev.Details["from_stage"].(string)
	to, _ := ev.Details["to_stage"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	if fs := pipeline.Stage(from); fs.Valid() {
		if m.stageCounts[fs] > 0 {
			m.stageCounts[fs]--
		}
		m.byStage.WithLabelValues(from).Set(float64(m.stageCounts[fs]))
	}
	if ts := pipeline.Stage(to); ts.Valid() {
		m.stageCounts[ts]++
		m.byStage.WithLabelValues(to).Set(float64(m.stageCounts[ts]))
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
