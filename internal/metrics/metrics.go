// Package metrics records deployment run metrics in a private Prometheus
// registry that is written out as a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Bidon15/popdeploy/internal/deployer"
)

// Recorder collects metrics for one run. It implements deployer.Observer.
type Recorder struct {
	registry *prometheus.Registry

	stageTransitions *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	gasUsed          *prometheus.GaugeVec
	stepsDeployed    prometheus.Gauge
	runSuccess       prometheus.Gauge
	runFailures      *prometheus.CounterVec
	lastRun          prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry. The chain ID is
// attached to every series as a constant label.
func NewRecorder(chainID string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"chain_id": chainID}, reg))

	return &Recorder{
		registry: reg,
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popdeploy_stage_transitions_total",
				Help: "Total number of step stage transitions by stage",
			},
			[]string{"stage"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popdeploy_step_duration_seconds",
				Help:    "Time from payload build to confirmed receipt per step",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"step"},
		),
		gasUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "popdeploy_step_gas_used",
				Help: "Gas used by each step's contract creation transaction",
			},
			[]string{"step"},
		),
		stepsDeployed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "popdeploy_steps_deployed",
				Help: "Number of steps confirmed in the last run",
			},
		),
		runSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "popdeploy_run_success",
				Help: "1 if the last run deployed every step, 0 otherwise",
			},
		),
		runFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popdeploy_run_failures_total",
				Help: "Total number of failed runs by error kind",
			},
			[]string{"kind"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "popdeploy_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
	}
}

// OnStage counts a stage transition.
func (r *Recorder) OnStage(_ string, stage deployer.Stage) {
	r.stageTransitions.WithLabelValues(stage.String()).Inc()
}

// RecordReport records per-step and run-level results.
func (r *Recorder) RecordReport(report *deployer.Report, finishedAt time.Time) {
	for _, res := range report.Results {
		r.stepDuration.WithLabelValues(res.Step).Observe(res.Duration.Seconds())
		r.gasUsed.WithLabelValues(res.Step).Set(float64(res.GasUsed))
	}
	r.stepsDeployed.Set(float64(len(report.Results)))

	if report.Failed != nil {
		r.runSuccess.Set(0)
		r.runFailures.WithLabelValues(string(report.Failed.Kind)).Inc()
	} else {
		r.runSuccess.Set(1)
	}
	r.lastRun.Set(float64(finishedAt.Unix()))
}

// RecordError records a run that failed before any step started.
func (r *Recorder) RecordError(err error, finishedAt time.Time) {
	kind := deployer.KindOf(err)
	if kind == "" {
		kind = deployer.KindConfig
	}
	r.runSuccess.Set(0)
	r.runFailures.WithLabelValues(string(kind)).Inc()
	r.lastRun.Set(float64(finishedAt.Unix()))
}

// WriteTextfile atomically writes all metrics to path in the text exposition
// format.
func (r *Recorder) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
