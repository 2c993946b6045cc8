// Package metrics holds the prometheus collectors of the explorer engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the explorer collectors.
type Metrics struct {
	pages        prometheus.Counter
	features     prometheus.Counter
	loadDuration prometheus.Histogram
	loads        *prometheus.CounterVec
	frames       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "explore",
			Name:      "feature_pages_total",
			Help:      "Feature pages requested from the transport.",
		}),
		features: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "explore",
			Name:      "features_total",
			Help:      "Features received from the transport.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "explore",
			Name:      "feature_load_seconds",
			Help:      "Duration of complete paged feature loads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "explore",
			Name:      "feature_loads_total",
			Help:      "Paged feature loads by result (ok, empty, stale, error).",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "explore",
			Name:      "animation_frames_total",
			Help:      "Animation ticks by outcome (shown, dropped, failed).",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.pages, m.features, m.loadDuration, m.loads, m.frames)
	}
	return m
}

// Page records one received feature page.
func (m *Metrics) Page(features int) {
	if m == nil {
		return
	}
	m.pages.Inc()
	m.features.Add(float64(features))
}

// Load records the result of a complete load.
func (m *Metrics) Load(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
	if result == "ok" || result == "empty" {
		m.loadDuration.Observe(d.Seconds())
	}
}

// Frame records an animation tick outcome.
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}
