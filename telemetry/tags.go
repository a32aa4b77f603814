// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// strategyKey is the context key for propagating the cache strategy to background goroutines.
	strategyKey contextKey = "strategy"
	// cacheResultKey is the context key for the cache lookup that preceded a network fetch.
	cacheResultKey contextKey = "cache_result"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// Source is where the controller's answer to a request came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourcePlaceholder Source = "placeholder"
	SourceOffline     Source = "offline"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route       string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRoute sets the route pattern for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// StrategyFromContext returns the cache strategy stored by WithStrategy, or "none".
func StrategyFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(strategyKey).(string); ok && s != "" {
		return s
	}
	return "none"
}

// CacheResultFromContext returns the cache lookup result stored by
// WithCacheResult. Without one the cache was bypassed.
func CacheResultFromContext(ctx context.Context) CacheResult {
	if r, ok := ctx.Value(cacheResultKey).(CacheResult); ok && r != "" {
		return r
	}
	return CacheBypass
}

// WithCacheResult returns a context recording the cache lookup made before a network fetch.
func WithCacheResult(ctx context.Context, result CacheResult) context.Context {
	return context.WithValue(ctx, cacheResultKey, result)
}

// WithStrategy returns a context carrying the cache strategy.
// Use this to propagate the strategy into goroutines that outlive the request context.
func WithStrategy(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKey, strategy)
}
