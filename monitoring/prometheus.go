package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports router telemetry to Prometheus. All methods accept a nil
// receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal     *prometheus.CounterVec
	dispatchLatency   *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec
	costTotal         *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	cacheEvictions    *prometheus.CounterVec
	failoverEvents    *prometheus.CounterVec
	alertsTotal       *prometheus.CounterVec
	admissionDenied   *prometheus.CounterVec
	endpointAvailable *prometheus.GaugeVec
	rateLimited       *prometheus.GaugeVec
	degradedMode      *prometheus.GaugeVec
	qualityScore      *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Provider calls by outcome",
			},
			[]string{"endpoint", "provider", "outcome"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_latency_seconds",
				Help:      "Provider call latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"endpoint", "provider"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens consumed by type",
			},
			[]string{"endpoint", "type"}, // type: input, output
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_dollars_total",
				Help:      "Spend in dollars",
			},
			[]string{"endpoint", "provider"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"}, // result: hit, miss
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Response cache evictions by cause",
			},
			[]string{"cause"}, // cause: expired, lru
		),
		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_events_total",
				Help:      "Failover events by original endpoint and reason",
			},
			[]string{"endpoint", "reason"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Raised alerts by kind",
			},
			[]string{"kind"},
		),
		admissionDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denied_total",
				Help:      "Requests denied by the quota gate",
			},
			[]string{"endpoint"},
		),
		endpointAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_available",
				Help:      "1 when the endpoint passed its latest health checks",
			},
			[]string{"endpoint"},
		),
		rateLimited: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_rate_limited",
				Help:      "1 while the endpoint is rate-limited",
			},
			[]string{"endpoint"},
		),
		degradedMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degraded_mode",
				Help:      "1 while a component runs in degraded mode",
			},
			[]string{"mode"},
		),
		qualityScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quality_score",
				Help:      "Overall quality score of responses",
				Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"endpoint"},
		),
	}

	registry.MustRegister(
		m.dispatchTotal,
		m.dispatchLatency,
		m.tokensTotal,
		m.costTotal,
		m.cacheLookups,
		m.cacheEvictions,
		m.failoverEvents,
		m.alertsTotal,
		m.admissionDenied,
		m.endpointAvailable,
		m.rateLimited,
		m.degradedMode,
		m.qualityScore,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDispatch(endpointID string, providerID string, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(endpointID, providerID, outcome).Inc()
	m.dispatchLatency.WithLabelValues(endpointID, providerID).Observe(latency.Seconds())
}

func (m *Metrics) ObserveUsage(endpointID string, providerID string, inputTokens int, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(endpointID, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(endpointID, "output").Add(float64(outputTokens))
	m.costTotal.WithLabelValues(endpointID, providerID).Add(cost)
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCacheEvictions(cause string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(cause).Add(float64(count))
}

func (m *Metrics) ObserveFailover(endpointID string, reason string) {
	if m == nil {
		return
	}
	m.failoverEvents.WithLabelValues(endpointID, reason).Inc()
}

func (m *Metrics) ObserveAlert(alert Alert) {
	if m == nil || !alert.Active {
		return
	}
	m.alertsTotal.WithLabelValues(string(alert.Kind)).Inc()
}

func (m *Metrics) ObserveAdmissionDenied(endpointID string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(endpointID).Inc()
}

func (m *Metrics) SetEndpointAvailable(endpointID string, available bool) {
	if m == nil {
		return
	}
	m.endpointAvailable.WithLabelValues(endpointID).Set(boolToFloat(available))
}

func (m *Metrics) SetRateLimited(endpointID string, limited bool) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpointID).Set(boolToFloat(limited))
}

func (m *Metrics) SetDegraded(mode string, degraded bool) {
	if m == nil {
		return
	}
	m.degradedMode.WithLabelValues(mode).Set(boolToFloat(degraded))
}

func (m *Metrics) ObserveQuality(endpointID string, overall float64) {
	if m == nil {
		return
	}
	m.qualityScore.WithLabelValues(endpointID).Observe(overall)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
