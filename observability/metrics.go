package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketplaceMetrics
)

// HTTPMetrics returns the lazily-initialised registry used to record
// marketplace HTTP route activity.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total marketplace HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total marketplace HTTP errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for marketplace HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// MarketplaceMetrics captures business outcomes of the listing, offer and
// settlement flows.
type MarketplaceMetrics struct {
	settlements *prometheus.CounterVec
	listings    *prometheus.CounterVec
	offers      *prometheus.CounterVec
	expired     *prometheus.CounterVec
	volume      *prometheus.CounterVec
}

// Marketplace returns the singleton marketplace metrics registry.
func Marketplace() *MarketplaceMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketplaceMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "market",
				Name:      "settlements_total",
				Help:      "Settlement attempts segmented by kind (buy_now, accept_offer) and outcome.",
			}, []string{"kind", "outcome"}),
			listings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "market",
				Name:      "listings_total",
				Help:      "Listing operations segmented by outcome.",
			}, []string{"outcome"}),
			offers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "market",
				Name:      "offers_total",
				Help:      "Offer operations segmented by outcome.",
			}, []string{"outcome"}),
			expired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "market",
				Name:      "expired_total",
				Help:      "Listings and offers moved to expired by the sweeper or on access.",
			}, []string{"entity"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "market",
				Name:      "completed_volume_total",
				Help:      "Sum of completed order amounts segmented by currency.",
			}, []string{"currency"}),
		}
		prometheus.MustRegister(
			marketRegistry.settlements,
			marketRegistry.listings,
			marketRegistry.offers,
			marketRegistry.expired,
			marketRegistry.volume,
		)
	})
	return marketRegistry
}

// Settlement records the outcome of a buy-now or offer acceptance.
func (m *MarketplaceMetrics) Settlement(kind, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, outcome).Inc()
}

// Listing records a listing operation outcome such as "created" or "cancelled".
func (m *MarketplaceMetrics) Listing(outcome string) {
	if m == nil {
		return
	}
	m.listings.WithLabelValues(outcome).Inc()
}

// Offer records an offer operation outcome.
func (m *MarketplaceMetrics) Offer(outcome string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(outcome).Inc()
}

// Expired adds n expirations for the entity ("listing" or "offer").
func (m *MarketplaceMetrics) Expired(entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.WithLabelValues(entity).Add(float64(n))
}

// Completed adds a completed order amount to the volume counter.
func (m *MarketplaceMetrics) Completed(currency string, amount float64) {
	if m == nil || amount < 0 {
		return
	}
	m.volume.WithLabelValues(currency).Add(amount)
}
