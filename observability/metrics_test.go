package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMarketplaceCounters(t *testing.T) {
	m := Marketplace()
	before := testutil.ToFloat64(m.settlements.WithLabelValues("buy_now", "success"))
	m.Settlement("buy_now", "success")
	require.Equal(t, before+1, testutil.ToFloat64(m.settlements.WithLabelValues("buy_now", "success")))

	m.Expired("listing", 0)
	m.Expired("listing", 3)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.expired.WithLabelValues("listing")), float64(3))

	var nilMetrics *MarketplaceMetrics
	nilMetrics.Settlement("buy_now", "success")
}

func TestHTTPMetricsObserve(t *testing.T) {
	h := HTTPMetrics()
	before := testutil.ToFloat64(h.errors.WithLabelValues("/marketplace/listings", "POST", "400"))
	h.Observe("/marketplace/listings", "POST", 400, 5*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(h.errors.WithLabelValues("/marketplace/listings", "POST", "400")))
	require.Same(t, h, HTTPMetrics())
}

func TestActivityMetrics(t *testing.T) {
	e := Events()
	e.RecordAudit("Listing", "listing.created")
	require.GreaterOrEqual(t, testutil.ToFloat64(e.appended.WithLabelValues("listing", "listing.created")), float64(1))

	open := testutil.ToFloat64(e.streams)
	closeStream := e.StreamOpened()
	require.Equal(t, open+1, testutil.ToFloat64(e.streams))
	closeStream()
	closeStream()
	require.Equal(t, open, testutil.ToFloat64(e.streams))

	before := testutil.ToFloat64(e.delivered.WithLabelValues("offer"))
	e.RecordStreamed(" Offer ")
	require.Equal(t, before+1, testutil.ToFloat64(e.delivered.WithLabelValues("offer")))

	var nilMetrics *ActivityMetrics
	nilMetrics.StreamOpened()()
}
