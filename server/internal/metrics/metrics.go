package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/engine"
)

const namespace = "ppeguard"

// Recorder records service metrics.
type Recorder struct {
	reg *prometheus.Registry

	checks     *prometheus.CounterVec
	missing    *prometheus.CounterVec
	score      prometheus.Histogram
	dispatches *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	duration   prometheus.Histogram
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compliance_checks_total",
			Help:      "Compliance evaluations by outcome.",
		}, []string{"compliant"}),
		missing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_ppe_total",
			Help:      "Required PPE categories found missing, by category.",
		}, []string{"category"}),
		score: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compliance_score",
			Help:      "Distribution of compliance scores (0-100).",
			Buckets:   []float64{0, 25, 50, 75, 100},
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_dispatches_total",
			Help:      "Alert dispatches by whether any channel delivered.",
		}, []string{"alert_sent"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_channel_outcomes_total",
			Help:      "Per-channel delivery outcomes.",
		}, []string{"channel", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_channel_attempts_total",
			Help:      "Transport attempts made per channel, including retries.",
		}, []string{"channel"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_dispatch_seconds",
			Help:      "Wall time of one alert dispatch across all channels.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	r.reg.MustRegister(
		r.checks, r.missing, r.score,
		r.dispatches, r.outcomes, r.attempts, r.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveVerdict records one compliance evaluation.
func (r *Recorder) ObserveVerdict(v engine.Verdict) {
	r.checks.WithLabelValues(strconv.FormatBool(v.IsCompliant)).Inc()
	r.score.Observe(v.Score)
	for _, c := range v.Missing {
		r.missing.WithLabelValues(string(c)).Inc()
	}
}

// ObserveDispatch records the outcome of one alert dispatch.
func (r *Recorder) ObserveDispatch(res alerts.Result, took time.Duration) {
	r.dispatches.WithLabelValues(strconv.FormatBool(res.AlertSent())).Inc()
	r.duration.Observe(took.Seconds())
	for ch, o := range res.PerChannel {
		r.outcomes.WithLabelValues(string(ch), outcomeLabel(o)).Inc()
		if o.Attempts > 0 {
			r.attempts.WithLabelValues(string(ch)).Add(float64(o.Attempts))
		}
	}
}

// RegisterGauge exports fn as a gauge, e.g. connected feed clients.
func (r *Recorder) RegisterGauge(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Totals returns the summed value of every ppeguard counter and gauge family.
func (r *Recorder) Totals() (map[string]float64, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		if mf.GetType() == dto.MetricType_HISTOGRAM {
			continue
		}
		out[name] = sumFamily(mf)
	}
	return out, nil
}

// sumFamily adds up all counter, gauge, or untyped values in mf.
func sumFamily(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}

func outcomeLabel(o alerts.ChannelOutcome) string {
	switch {
	case o.Succeeded:
		return "delivered"
	case errors.Is(o.Err, alerts.ErrChannelNotConfigured):
		return "not_configured"
	case errors.Is(o.Err, alerts.ErrCancelled):
		return "cancelled"
	}
	return "failed"
}
