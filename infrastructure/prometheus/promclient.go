package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depthview"

type BookStats interface {
	ActiveBooks() int
	StaleBooks() int
}

type EngineStats interface {
	Computations() uint64
	Hits() uint64
	Misses() uint64
	CacheSize() int
}

type ConnectionStats interface {
	Connections() int
	DeliveryFailures() uint64
}

// NewRegistry exposes the live counters of the running components on a
// private registry together with the Go runtime collector.
func NewRegistry(books BookStats, engine EngineStats, connections ConnectionStats) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_order_books",
			Help:      "Raw order books currently maintained.",
		}, func() float64 { return float64(books.ActiveBooks()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_order_books",
			Help:      "Raw order books whose feed is interrupted.",
		}, func() float64 { return float64(books.StaleBooks()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_computations_total",
			Help:      "Aggregated views computed.",
		}, func() float64 { return float64(engine.Computations()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_cache_hits_total",
			Help:      "Aggregated views served from cache.",
		}, func() float64 { return float64(engine.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_cache_misses_total",
			Help:      "Aggregated view lookups that missed the cache.",
		}, func() float64 { return float64(engine.Misses()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregation_cache_entries",
			Help:      "Aggregated views held in cache.",
		}, func() float64 { return float64(engine.CacheSize()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live streaming connections.",
		}, func() float64 { return float64(connections.Connections()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be delivered; each closes its connection.",
		}, func() float64 { return float64(connections.DeliveryFailures()) }),

		collectors.NewGoCollector(),
	)

	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
