package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkgmgr"

// Metrics holds the package manager's Prometheus collectors. Each instance
// owns a private registry so several managers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	PackagesInstalled  prometheus.Counter
	PackagesDownloaded prometheus.Counter
	PackagesRemoved    prometheus.Counter
	OperationFailures  *prometheus.CounterVec

	CacheSizeBytes  prometheus.Gauge
	Repositories    prometheus.Gauge
	IndexedPackages prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PackagesInstalled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_installed_total",
			Help:      "Total number of packages installed",
		}),
		PackagesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_downloaded_total",
			Help:      "Total number of package archives downloaded",
		}),
		PackagesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_removed_total",
			Help:      "Total number of packages removed",
		}),
		OperationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed operations by kind",
		}, []string{"operation"}),

		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held in the package cache",
		}),
		Repositories: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repositories",
			Help:      "Number of configured package origins",
		}),
		IndexedPackages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexed_packages",
			Help:      "Number of records in the merged package index",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
