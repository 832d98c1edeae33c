// Package metrics exposes engine cycles as Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// Recorder updates Prometheus series from cycle reports. It has its own
// registry so tests and multiple instances do not collide.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	price         *prometheus.GaugeVec
	positionOpen  *prometheus.GaugeVec
	lowerBound    *prometheus.GaugeVec
	upperBound    *prometheus.GaugeVec
	backoff       *prometheus.GaugeVec
}

// NewRecorder registers the bot's series plus the Go and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clmm_cycles_total",
			Help: "Engine cycles by outcome.",
		}, []string{"pool", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clmm_cycle_failures_total",
			Help: "Failed cycles by the step that failed.",
		}, []string{"pool", "step"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clmm_cycle_duration_seconds",
			Help:    "Wall time of one engine cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clmm_pool_price",
			Help: "Last observed pool price.",
		}, []string{"pool"}),
		positionOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clmm_position_open",
			Help: "1 while a position is held.",
		}, []string{"pool"}),
		lowerBound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clmm_position_lower_bound",
			Help: "Lower price bound of the held position.",
		}, []string{"pool"}),
		upperBound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clmm_position_upper_bound",
			Help: "Upper price bound of the held position.",
		}, []string{"pool"}),
		backoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clmm_next_cycle_delay_seconds",
			Help: "Delay scheduled after the last cycle.",
		}, []string{"pool"}),
	}

	r.registry.MustRegister(
		r.cycles, r.failures, r.cycleDuration, r.price,
		r.positionOpen, r.lowerBound, r.upperBound, r.backoff,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RecordCycle implements rebalance.Recorder.
func (r *Recorder) RecordCycle(_ context.Context, rep domain.CycleReport) {
	pool := rep.PoolID
	r.cycles.WithLabelValues(pool, string(rep.Outcome)).Inc()
	r.cycleDuration.Observe(rep.Duration().Seconds())
	r.backoff.WithLabelValues(pool).Set(rep.NextDelay.Seconds())

	if rep.Failed() {
		r.failures.WithLabelValues(pool, strconv.Itoa(rep.FailedStep)).Inc()
	}
	if rep.Price > 0 {
		r.price.WithLabelValues(pool).Set(rep.Price)
	}

	switch {
	case rep.Opened != nil:
		r.positionOpen.WithLabelValues(pool).Set(1)
		r.lowerBound.WithLabelValues(pool).Set(rep.Opened.LowerBound)
		r.upperBound.WithLabelValues(pool).Set(rep.Opened.UpperBound)
	case rep.State == domain.EngineIdle:
		r.positionOpen.WithLabelValues(pool).Set(0)
		r.lowerBound.DeleteLabelValues(pool)
		r.upperBound.DeleteLabelValues(pool)
	case rep.State == domain.EngineHolding:
		r.positionOpen.WithLabelValues(pool).Set(1)
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
