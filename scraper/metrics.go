package scraper

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ListingsTotal   prometheus.Counter
	SkippedTotal    prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	PagesTotal      prometheus.Counter
	PartitionsTotal prometheus.Counter
	PriceLowerBound prometheus.Gauge
	InFlightFetches prometheus.Gauge

	requests atomic.Int64
	retries  atomic.Int64
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	listings := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_listings_scraped_total",
			Help: "Total number of listing records parsed from detail pages.",
		},
	)
	skipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_listings_skipped_total",
			Help: "Listing URLs skipped because they were already claimed.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Search result pages processed.",
		},
	)
	partitions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_partitions_total",
			Help: "Price partitions started.",
		},
	)
	lowerBound := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_price_lower_bound",
			Help: "Lower price bound of the current partition.",
		},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_fetches_in_flight",
			Help: "Detail fetches currently running.",
		},
	)

	registry.MustRegister(requests, requestDuration, listings, skipped, retries, errorsTotal, pages, partitions, lowerBound, inFlight)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		ListingsTotal:   listings,
		SkippedTotal:    skipped,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		PagesTotal:      pages,
		PartitionsTotal: partitions,
		PriceLowerBound: lowerBound,
		InFlightFetches: inFlight,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
	if phase == "started" {
		m.requests.Add(1)
	}
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncListings increments the listings scraped counter.
func (m *Metrics) IncListings() {
	if m == nil {
		return
	}
	m.ListingsTotal.Inc()
}

// IncSkipped increments the skipped listings counter.
func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.SkippedTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
	m.retries.Add(1)
}

// TotalRequests returns the number of requests started so far.
func (m *Metrics) TotalRequests() int {
	if m == nil {
		return 0
	}
	return int(m.requests.Load())
}

// TotalRetries returns the number of retries so far.
func (m *Metrics) TotalRetries() int {
	if m == nil {
		return 0
	}
	return int(m.retries.Load())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPages increments the processed pages counter.
func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// StartPartition counts a partition and records its lower bound.
func (m *Metrics) StartPartition(lowerBound int64) {
	if m == nil {
		return
	}
	m.PartitionsTotal.Inc()
	m.PriceLowerBound.Set(float64(lowerBound))
}

// TrackFetch adjusts the in-flight gauge by delta.
func (m *Metrics) TrackFetch(delta float64) {
	if m == nil {
		return
	}
	m.InFlightFetches.Add(delta)
}
