package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	r = InjectTags(r)
	SetRoute(r, "/*")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "health_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "/*"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "health_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "health_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags, as if it bypassed the middleware.
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "health_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordIntercept(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordIntercept(context.Background(), "cache_first", SourceCache, CacheHit, http.StatusOK, time.Millisecond)
	RecordIntercept(context.Background(), "cache_first", SourcePlaceholder, CacheMiss, http.StatusGatewayTimeout, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "health_cache_intercepts_total")
	require.Len(t, dps, 2)
	var sawPlaceholder bool
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "strategy", "cache_first"))
		if hasAttr(dp.Attributes, "source", "placeholder") {
			sawPlaceholder = true
			require.True(t, hasAttr(dp.Attributes, "status_class", "5xx"))
			require.True(t, hasAttr(dp.Attributes, "cache", "miss"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "cache", "hit"))
		}
	}
	require.True(t, sawPlaceholder)
}

func TestRecordCacheWrite_UsesStrategyFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithStrategy(context.Background(), "navigation")
	RecordCacheWrite(ctx, "success")
	RecordCacheWrite(context.Background(), "error")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "health_cache_cache_writes_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "success") {
			require.True(t, hasAttr(dp.Attributes, "strategy", "navigation"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "strategy", "none"))
		}
	}
}

func TestRecordLocalDataMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordDBOp(ctx, "meals", "insert", "success", 2*time.Millisecond)
	RecordMemoLookup(ctx, "bp", true)
	RecordMemoLookup(ctx, "bp", false)
	RecordRateLimitWait(ctx, "nominatim", 400*time.Millisecond)
	RecordSweep(ctx, 3, 10*time.Millisecond)
	RecordBreakerTransition(ctx, "network", "closed", "open")

	rm := collectMetrics(t, reader)

	db := findCounter(rm, "health_cache_db_ops_total")
	require.Len(t, db, 1)
	require.True(t, hasAttr(db[0].Attributes, "store", "meals"))

	memo := findCounter(rm, "health_cache_memo_lookups_total")
	require.Len(t, memo, 2)

	wait := findHistogram(rm, "health_cache_ratelimit_wait_seconds")
	require.Len(t, wait, 1)
	require.True(t, hasAttr(wait[0].Attributes, "key", "nominatim"))

	swept := findCounter(rm, "health_cache_sweep_deleted_total")
	require.Len(t, swept, 1)
	require.EqualValues(t, 3, swept[0].Value)

	breaker := findCounter(rm, "health_cache_breaker_transitions_total")
	require.Len(t, breaker, 1)
	require.True(t, hasAttr(breaker[0].Attributes, "to", "open"))
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these may panic before InitMetrics.
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordIntercept(ctx, "network_only", SourceNetwork, CacheBypass, http.StatusOK, time.Millisecond)
	RecordNetworkFetch(ctx, NetworkFetch{Strategy: "network_only", Cache: CacheBypass, Outcome: "ok", Duration: time.Millisecond, Bytes: 10})
	RecordCacheWrite(ctx, "success")
	RecordBackendOp(ctx, "fs", "read", "success", time.Millisecond, 0)
	RecordDBOp(ctx, "meals", "query", "success", time.Millisecond)
	RecordMemoLookup(ctx, "weight", true)
	RecordRateLimitWait(ctx, "nominatim", time.Second)
	RecordSweep(ctx, 0, time.Millisecond)
	RecordBreakerTransition(ctx, "network", "closed", "open")
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{504, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
