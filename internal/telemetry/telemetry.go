package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the service counters. Constructed once and injected so
// tests can use an isolated registry.
type Metrics struct {
	registry *prometheus.Registry

	ChatRequests   *prometheus.CounterVec
	ChatFragments  *prometheus.CounterVec
	ChatErrors     prometheus.Counter
	StoreFallbacks *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Chat completion requests by provider.",
		}, []string{"provider"}),
		ChatFragments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_fragments_total",
			Help: "Streamed fragments by kind.",
		}, []string{"kind"}),
		ChatErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_errors_total",
			Help: "Chat streams that ended in a provider or transport error.",
		}),
		StoreFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_fallbacks_total",
			Help: "Data operations that failed remotely and were retried locally.",
		}, []string{"operation"}),
	}
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
