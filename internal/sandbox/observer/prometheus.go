package observer

import (
	"context"
	"strconv"
	"time"

	"runbox/internal/sandbox/result"

	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder exports sandbox metrics through Prometheus collectors.
type PromRecorder struct {
	compiles    *prometheus.CounterVec
	compileTime *prometheus.HistogramVec
	executions  *prometheus.CounterVec
	runTime     *prometheus.HistogramVec
	memory      *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// NewPromRecorder registers the collectors on reg.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	r := &PromRecorder{
		compiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runbox_compiles_total",
				Help: "Total number of compilations",
			},
			[]string{"language", "ok"},
		),
		compileTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runbox_compile_duration_ms",
				Help:    "Compilation duration in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"language"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runbox_executions_total",
				Help: "Total number of executions by final status and phase",
			},
			[]string{"language", "status", "phase"},
		),
		runTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runbox_execution_duration_ms",
				Help:    "Execution duration in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"language"},
		),
		memory: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runbox_memory_usage_kb",
				Help:    "Peak memory usage per execution in KB",
				Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144},
			},
			[]string{"language"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runbox_requests_in_flight",
				Help: "Number of requests currently holding a workspace",
			},
		),
	}
	for _, c := range []prometheus.Collector{r.compiles, r.compileTime, r.executions, r.runTime, r.memory, r.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PromRecorder) ObserveCompile(_ context.Context, languageID string, ok bool, elapsed time.Duration) {
	r.compiles.WithLabelValues(languageID, strconv.FormatBool(ok)).Inc()
	r.compileTime.WithLabelValues(languageID).Observe(float64(elapsed.Milliseconds()))
}

func (r *PromRecorder) ObserveRun(_ context.Context, res result.NormalizedResult) {
	r.executions.WithLabelValues(res.Language, string(res.Status), string(res.Phase)).Inc()
	r.runTime.WithLabelValues(res.Language).Observe(float64(res.Elapsed.Milliseconds()))
	if res.Usage.PeakMemoryKB > 0 {
		r.memory.WithLabelValues(res.Language).Observe(float64(res.Usage.PeakMemoryKB))
	}
}

func (r *PromRecorder) ObserveInFlight(n int64) {
	r.inFlight.Set(float64(n))
}
