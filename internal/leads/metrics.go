package leads

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts lead writes by kind and outcome.
type Metrics struct {
	writesTotal *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
	metricsFactory  = defaultMetricsFactory
)

// GetMetrics returns the process-wide lead metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = metricsFactory()
	})
	return metricsInstance
}

func defaultMetricsFactory() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics registers the lead counters with registerer, reusing collectors
// that are already registered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		writesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledgerdesk",
				Subsystem: "leads",
				Name:      "writes_total",
				Help:      "Total lead registrations by kind and result",
			},
			[]string{"kind", "result"},
		),
	}
	m.writesTotal = registerCounterVec(registerer, m.writesTotal)
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

func (m *Metrics) record(kind Kind, ok bool) {
	if m == nil || m.writesTotal == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.writesTotal.WithLabelValues(string(kind), result).Inc()
}
