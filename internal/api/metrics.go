package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus gauges the admin health endpoint and the
// /metrics scrape surface both read from. A single Metrics is shared by
// the whole process; SetQueueDepth and SetPoolStats are called once per
// /admin/health request to refresh the gauges from the live broker/pool
// snapshots.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth   *prometheus.GaugeVec
	poolFree     *prometheus.GaugeVec
	poolLoaded   prometheus.Gauge
	poolHitRate  prometheus.Gauge
	poolOOMTotal prometheus.Gauge
}

// NewMetrics constructs and registers the gauge set on a dedicated
// registry, so tests can build independent instances without clashing
// on prometheus's default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "transcribeq",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Number of messages currently queued, by queue name.",
		}, []string{"queue"}),
		poolFree: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "transcribeq",
			Subsystem: "model_pool",
			Name:      "free_handles",
			Help:      "Number of idle, loaded model handles, by tier.",
		}, []string{"tier"}),
		poolLoaded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "transcribeq",
			Subsystem: "model_pool",
			Name:      "loaded_total",
			Help:      "Total number of simultaneously loaded model handles across all tiers.",
		}),
		poolHitRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "transcribeq",
			Subsystem: "model_pool",
			Name:      "hit_rate",
			Help:      "Fraction of Acquire calls satisfied without a load, since process start.",
		}),
		poolOOMTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "transcribeq",
			Subsystem: "model_pool",
			Name:      "oom_fallbacks_total",
			Help:      "Total number of tier fallbacks triggered by an out-of-memory load, since process start.",
		}),
	}
	return m
}

// Handler returns the promhttp scrape handler bound to this Metrics's
// private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth updates the gauge for a single queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetPoolStats updates every pool-derived gauge from one Stats snapshot.
func (m *Metrics) SetPoolStats(freeByTier map[string]int, loaded int, hitRate float64, oomFallbacks int64) {
	for tier, n := range freeByTier {
		m.poolFree.WithLabelValues(tier).Set(float64(n))
	}
	m.poolLoaded.Set(float64(loaded))
	m.poolHitRate.Set(hitRate)
	m.poolOOMTotal.Set(float64(oomFallbacks))
}
