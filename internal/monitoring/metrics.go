package monitoring

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives instrument metrics. Components hold a Recorder and
// default to NoopRecorder so metrics never need nil checks.
type Recorder interface {
	IncMoveCommands(motor int)
	IncMoveRetries()
	IncUnreached(motor int)
	IncLimitViolations(motor int)
	IncScanPoints(scanType string)
	ObserveCount(mode string, d time.Duration)
	IncFitOutcome(model string, ok bool)
	IncOperation(name, outcome string)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncMoveCommands(int)                 {}
func (NoopRecorder) IncMoveRetries()                     {}
func (NoopRecorder) IncUnreached(int)                    {}
func (NoopRecorder) IncLimitViolations(int)              {}
func (NoopRecorder) IncScanPoints(string)                {}
func (NoopRecorder) ObserveCount(string, time.Duration)  {}
func (NoopRecorder) IncFitOutcome(string, bool)          {}
func (NoopRecorder) IncOperation(string, string)         {}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	moves       *prom.CounterVec
	retries     prom.Counter
	unreached   *prom.CounterVec
	limits      *prom.CounterVec
	scanPoints  *prom.CounterVec
	countTime   *prom.HistogramVec
	fitOutcomes *prom.CounterVec
	operations  *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		moves: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "motor_move_commands_total",
			Help:      "Move commands issued per motor",
		}, []string{"motor"}),
		retries: prom.NewCounter(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "motion_retry_rounds_total",
			Help:      "Coordinated move rounds issued after the first attempt",
		}),
		unreached: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "motor_unreached_total",
			Help:      "Motors left outside tolerance after the retry budget",
		}, []string{"motor"}),
		limits: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "motor_limit_violations_total",
			Help:      "Moves rejected because the target was outside the hard limits",
		}, []string{"motor"}),
		scanPoints: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "scan_points_total",
			Help:      "Measured scan points",
		}, []string{"scan_type"}),
		countTime: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "pyrecs",
			Name:      "count_duration_seconds",
			Help:      "Wall time spent counting per measurement",
			Buckets:   prom.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		fitOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "fit_outcomes_total",
			Help:      "Peak fits by model and outcome",
		}, []string{"model", "outcome"}),
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pyrecs",
			Name:      "operations_total",
			Help:      "Protected operations by name and outcome",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(pr.moves, pr.retries, pr.unreached, pr.limits, pr.scanPoints, pr.countTime, pr.fitOutcomes, pr.operations)
	return pr
}

func (p *PrometheusRecorder) IncMoveCommands(motor int) {
	p.moves.WithLabelValues(strconv.Itoa(motor)).Inc()
}

func (p *PrometheusRecorder) IncMoveRetries() { p.retries.Inc() }

func (p *PrometheusRecorder) IncUnreached(motor int) {
	p.unreached.WithLabelValues(strconv.Itoa(motor)).Inc()
}

func (p *PrometheusRecorder) IncLimitViolations(motor int) {
	p.limits.WithLabelValues(strconv.Itoa(motor)).Inc()
}

func (p *PrometheusRecorder) IncScanPoints(scanType string) {
	p.scanPoints.WithLabelValues(scanType).Inc()
}

func (p *PrometheusRecorder) ObserveCount(mode string, d time.Duration) {
	p.countTime.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFitOutcome(model string, ok bool) {
	outcome := "converged"
	if !ok {
		outcome = "failed"
	}
	p.fitOutcomes.WithLabelValues(model, outcome).Inc()
}

func (p *PrometheusRecorder) IncOperation(name, outcome string) {
	p.operations.WithLabelValues(name, outcome).Inc()
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
