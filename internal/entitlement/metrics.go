package entitlement

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts resolutions by outcome and cache fallbacks by reason.
type Metrics struct {
	resolutionsTotal *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide entitlement metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// NewMetrics registers the entitlement counters with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledgerdesk",
				Subsystem: "entitlement",
				Name:      "resolutions_total",
				Help:      "Total entitlement resolutions by outcome",
			},
			[]string{"outcome"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledgerdesk",
				Subsystem: "entitlement",
				Name:      "fallbacks_total",
				Help:      "Total cache fallbacks by reason",
			},
			[]string{"reason"},
		),
	}

	m.resolutionsTotal = registerCounterVec(registerer, m.resolutionsTotal)
	m.fallbacksTotal = registerCounterVec(registerer, m.fallbacksTotal)
	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func (m *Metrics) recordResolution(outcome string) {
	if m == nil || m.resolutionsTotal == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordFallback(reason string) {
	if m == nil || m.fallbacksTotal == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(reason).Inc()
}
