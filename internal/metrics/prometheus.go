package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "goxtex"

// PrometheusRecorder implements Recorder using Prometheus collectors.
type PrometheusRecorder struct {
	compileDuration  *prom.HistogramVec
	compileOutcomes  *prom.CounterVec
	submissions      *prom.CounterVec
	activeWorkspaces prom.Gauge
	sweptWorkspaces  prom.Counter
	redeliveries     prom.Counter
	retriesExhausted prom.Counter
	publishRetries   prom.Counter
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil reg gets a private registry, which keeps tests independent.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		compileDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Wall-clock duration of compile attempts",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"outcome"}),
		compileOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "compile_outcomes_total",
			Help:      "Compile attempts by outcome and error kind",
		}, []string{"outcome", "kind"}),
		submissions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Accepted submissions by response mode",
		}, []string{"mode"}),
		activeWorkspaces: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workspaces",
			Help:      "Workspaces currently held by compile attempts",
		}),
		sweptWorkspaces: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_swept_total",
			Help:      "Orphaned workspaces removed by the sweeper",
		}),
		redeliveries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "lease_redeliveries_total",
			Help:      "Jobs redelivered after lease expiry",
		}),
		retriesExhausted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Jobs failed permanently after exhausting their attempts",
		}),
		publishRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Gateway enqueue retries after broker errors",
		}),
	}
	reg.MustRegister(pr.compileDuration, pr.compileOutcomes, pr.submissions, pr.activeWorkspaces,
		pr.sweptWorkspaces, pr.redeliveries, pr.retriesExhausted, pr.publishRetries)
	return pr
}

func (p *PrometheusRecorder) ObserveCompile(outcome, kind string, d time.Duration) {
	p.compileDuration.WithLabelValues(outcome).Observe(d.Seconds())
	p.compileOutcomes.WithLabelValues(outcome, kind).Inc()
}

func (p *PrometheusRecorder) IncSubmission(mode string) { p.submissions.WithLabelValues(mode).Inc() }
func (p *PrometheusRecorder) SetActiveWorkspaces(n int) { p.activeWorkspaces.Set(float64(n)) }
func (p *PrometheusRecorder) AddWorkspacesSwept(n int)  { p.sweptWorkspaces.Add(float64(n)) }
func (p *PrometheusRecorder) IncRedelivery()            { p.redeliveries.Inc() }
func (p *PrometheusRecorder) IncRetryExhausted()        { p.retriesExhausted.Inc() }
func (p *PrometheusRecorder) IncPublishRetry()          { p.publishRetries.Inc() }
