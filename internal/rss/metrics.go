package rss

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts synchronisation outcomes. A nil registerer leaves the
// collectors unregistered.
type Metrics struct {
	Updates  *prometheus.CounterVec
	Items    *prometheus.GaugeVec
	Duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planet",
			Name:      "channel_updates_total",
			Help:      "Channel synchronisations by final state.",
		}, []string{"state", "replaced"}),
		Items: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "planet",
			Name:      "channel_items",
			Help:      "Items currently held by a channel.",
		}, []string{"channel"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "planet",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent on one conditional fetch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observe(res Result, items int) {
	replaced := "false"
	if res.Replaced {
		replaced = "true"
	}
	m.Updates.WithLabelValues(res.State.String(), replaced).Inc()
	m.Items.WithLabelValues(res.URI).Set(float64(items))
}
