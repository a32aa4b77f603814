package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/health-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	// Development origin
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	// Request cache controller
	interceptsTotal       metric.Int64Counter
	interceptDuration     metric.Float64Histogram
	networkFetchTotal     metric.Int64Counter
	networkFetchDuration  metric.Float64Histogram
	networkFetchBytes     metric.Int64Counter
	cacheWritesTotal      metric.Int64Counter
	breakerTransitions    metric.Int64Counter
	backendRequestsTotal  metric.Int64Counter
	backendRequestSeconds metric.Float64Histogram
	backendBytesTotal     metric.Int64Counter
	sweepDeletedTotal     metric.Int64Counter
	sweepDuration         metric.Float64Histogram

	// Local data
	dbOpsTotal       metric.Int64Counter
	dbOpDuration     metric.Float64Histogram
	memoLookupsTotal metric.Int64Counter
	rateLimitWait    metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "health-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Still collect when no exporter is configured.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// instruments collects the first error while creating instruments.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && in.err == nil {
		in.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storageBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	waitBuckets    = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 5}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}
	m := &Metrics{
		requestsTotal:      in.counter("health_cache_http_requests_total", "Total number of HTTP requests served by the development origin", "{request}"),
		responseBytesTotal: in.counter("health_cache_http_response_bytes_total", "Total bytes sent by the development origin", "By"),
		requestDuration:    in.histogram("health_cache_http_request_duration_seconds", "Development origin request duration", "s", latencyBuckets...),

		interceptsTotal:       in.counter("health_cache_intercepts_total", "Requests handled by the request cache controller, by strategy, answer source and cache result", "{request}"),
		interceptDuration:     in.histogram("health_cache_intercept_duration_seconds", "Duration of intercepted requests", "s", latencyBuckets...),
		networkFetchTotal:     in.counter("health_cache_network_fetch_total", "Network fetches the request cache controller made, by strategy and prior cache lookup", "{request}"),
		networkFetchDuration:  in.histogram("health_cache_network_fetch_duration_seconds", "Duration of controller network fetches until the body was closed", "s", latencyBuckets...),
		networkFetchBytes:     in.counter("health_cache_network_fetch_bytes_total", "Response bytes the controller read from the network", "By"),
		cacheWritesTotal:      in.counter("health_cache_cache_writes_total", "Responses written to the request cache", "{response}"),
		breakerTransitions:    in.counter("health_cache_breaker_transitions_total", "Network circuit breaker state changes", "{transition}"),
		backendRequestsTotal:  in.counter("health_cache_backend_requests_total", "Body storage operations", "{request}"),
		backendRequestSeconds: in.histogram("health_cache_backend_request_duration_seconds", "Duration of body storage operations", "s", storageBuckets...),
		backendBytesTotal:     in.counter("health_cache_backend_bytes_total", "Bytes transferred by body storage operations", "By"),
		sweepDeletedTotal:     in.counter("health_cache_sweep_deleted_total", "Response bodies removed by orphan sweeps", "{body}"),
		sweepDuration:         in.histogram("health_cache_sweep_duration_seconds", "Duration of orphan sweeps", "s", storageBuckets...),

		dbOpsTotal:       in.counter("health_cache_db_ops_total", "Local database operations", "{op}"),
		dbOpDuration:     in.histogram("health_cache_db_op_duration_seconds", "Duration of local database operations", "s", storageBuckets...),
		memoLookupsTotal: in.counter("health_cache_memo_lookups_total", "In-memory read cache lookups", "{lookup}"),
		rateLimitWait:    in.histogram("health_cache_ratelimit_wait_seconds", "Time spent waiting for the rate limiter", "s", waitBuckets...),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records development origin request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	if tags := GetTags(r); tags != nil && tags.Route != "" {
		route = tags.Route
	}

	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIntercept records one request handled by the controller.
// strategy is the branch taken, source is where the answer came from and
// cache is whether the caches answered it.
func RecordIntercept(ctx context.Context, strategy string, source Source, cache CacheResult, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("source", string(source)),
		attribute.String("cache", string(cache)),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.interceptsTotal.Add(ctx, 1, attrs)
	globalMetrics.interceptDuration.Record(ctx, duration.Seconds(), attrs)
}

// NetworkFetch describes one network fetch the controller made for a page.
type NetworkFetch struct {
	// Strategy is the controller branch that went to the network.
	Strategy string
	// Cache is the cache lookup made before the fetch: a miss for cache-first
	// requests, a bypass for network-first ones, a hit for a 304 revalidation.
	Cache CacheResult
	// Storable reports a 2xx GET answer the controller may write to its cache.
	Storable bool
	Outcome  string
	Duration time.Duration
	Bytes    int64
}

// RecordNetworkFetch records a network fetch made on behalf of a page.
func RecordNetworkFetch(ctx context.Context, f NetworkFetch) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", f.Strategy),
		attribute.String("cache", string(f.Cache)),
		attribute.Bool("storable", f.Storable),
		attribute.String("outcome", f.Outcome),
	)
	globalMetrics.networkFetchDuration.Record(ctx, f.Duration.Seconds(), attrs)
	globalMetrics.networkFetchTotal.Add(ctx, 1, attrs)
	if f.Bytes > 0 {
		globalMetrics.networkFetchBytes.Add(ctx, f.Bytes, attrs)
	}
}

// RecordCacheWrite records a response stored in the request cache.
func RecordCacheWrite(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", StrategyFromContext(ctx)),
		attribute.String("outcome", outcome),
	)
	globalMetrics.cacheWritesTotal.Add(ctx, 1, attrs)
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(ctx context.Context, name, from, to string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	)
	globalMetrics.breakerTransitions.Add(ctx, 1, attrs)
}

// RecordBackendOp records body storage operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestSeconds.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSweep records one orphan sweep.
func RecordSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordDBOp records a local database operation on a store.
func RecordDBOp(ctx context.Context, store, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.dbOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.dbOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMemoLookup records an in-memory read cache lookup for a slot.
func RecordMemoLookup(ctx context.Context, slot string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	attrs := metric.WithAttributes(
		attribute.String("slot", slot),
		attribute.String("result", string(result)),
	)
	globalMetrics.memoLookupsTotal.Add(ctx, 1, attrs)
}

// RecordRateLimitWait records how long a caller waited for a rate limit key.
func RecordRateLimitWait(ctx context.Context, key string, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rateLimitWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("key", key)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
