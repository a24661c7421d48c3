package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 流水线指标，nil 时所有方法为空操作
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subflow_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages by stage and result.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage", "result"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_pipeline_runs_total",
			Help: "Finished pipeline runs by outcome (ok or error kind).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeStage(stage Stage, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(string(stage), result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeRun(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.runs.WithLabelValues(outcome).Inc()
}
