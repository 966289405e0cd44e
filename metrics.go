package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var serverStartTime = time.Now()

// cacheBackendType is "redis" or "memory", set during startup
var cacheBackendType = "memory"

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Relay metrics
var (
	relayConnectionsTotal atomic.Int64
	eventsReceivedTotal   atomic.Int64
	eventsDroppedTotal    atomic.Int64
	eventsDedupedTotal    atomic.Int64
	eoseSignalsTotal      atomic.Int64
)

// Timeline metrics
var (
	timelinesEmittedTotal atomic.Int64
)

// Batching metrics
var (
	batchFlushesTotal atomic.Int64
	batchedKeysTotal  atomic.Int64
)

// Auth metrics
var (
	authChallengesTotal atomic.Int64
	authRetriesTotal    atomic.Int64
	authFailuresTotal   atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// IncrementCacheHit increments the cache hit counter
func IncrementCacheHit() {
	cacheHitsTotal.Add(1)
}

// IncrementCacheMiss increments the cache miss counter
func IncrementCacheMiss() {
	cacheMissesTotal.Add(1)
}

// metricsHandler serves Prometheus-compatible metrics
func metricsHandler(pool *RelayPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Build info metric
		fmt.Fprintf(w, "# HELP nostr_build_info Build and configuration information\n")
		fmt.Fprintf(w, "# TYPE nostr_build_info gauge\n")
		fmt.Fprintf(w, "nostr_build_info{cache_backend=%q,go_version=%q} 1\n\n", cacheBackendType, runtime.Version())

		// Process metrics
		fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
		fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
		fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

		// Go runtime metrics
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total memory obtained from the OS\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n\n", memStats.Sys)

		fmt.Fprintf(w, "# HELP go_gc_cycles_total Number of completed GC cycles\n")
		fmt.Fprintf(w, "# TYPE go_gc_cycles_total counter\n")
		fmt.Fprintf(w, "go_gc_cycles_total %d\n\n", memStats.NumGC)

		// HTTP metrics
		fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
		fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
		fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

		fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
		fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
		fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

		// Connection pool metrics
		fmt.Fprintf(w, "# HELP nostr_relay_connections_active Number of active relay connections\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_connections_active gauge\n")
		fmt.Fprintf(w, "nostr_relay_connections_active %d\n\n", pool.GetConnectionStats())

		fmt.Fprintf(w, "# HELP nostr_relay_connections_total Relay connections opened since start\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_connections_total counter\n")
		fmt.Fprintf(w, "nostr_relay_connections_total %d\n\n", relayConnectionsTotal.Load())

		// Event metrics
		fmt.Fprintf(w, "# HELP nostr_events_received_total Events received across all relays\n")
		fmt.Fprintf(w, "# TYPE nostr_events_received_total counter\n")
		fmt.Fprintf(w, "nostr_events_received_total %d\n\n", eventsReceivedTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_events_dropped_total Events dropped due to full channels\n")
		fmt.Fprintf(w, "# TYPE nostr_events_dropped_total counter\n")
		fmt.Fprintf(w, "nostr_events_dropped_total %d\n\n", eventsDroppedTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_events_deduped_total Duplicate events suppressed across relays\n")
		fmt.Fprintf(w, "# TYPE nostr_events_deduped_total counter\n")
		fmt.Fprintf(w, "nostr_events_deduped_total %d\n\n", eventsDedupedTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_eose_signals_total EOSE frames received\n")
		fmt.Fprintf(w, "# TYPE nostr_eose_signals_total counter\n")
		fmt.Fprintf(w, "nostr_eose_signals_total %d\n\n", eoseSignalsTotal.Load())

		// Timeline metrics
		fmt.Fprintf(w, "# HELP nostr_timelines_emitted_total Merged timeline pages emitted\n")
		fmt.Fprintf(w, "# TYPE nostr_timelines_emitted_total counter\n")
		fmt.Fprintf(w, "nostr_timelines_emitted_total %d\n\n", timelinesEmittedTotal.Load())

		// Batching metrics
		fmt.Fprintf(w, "# HELP nostr_batch_flushes_total Batch loader flushes\n")
		fmt.Fprintf(w, "# TYPE nostr_batch_flushes_total counter\n")
		fmt.Fprintf(w, "nostr_batch_flushes_total %d\n\n", batchFlushesTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_batched_keys_total Keys resolved through batch loaders\n")
		fmt.Fprintf(w, "# TYPE nostr_batched_keys_total counter\n")
		fmt.Fprintf(w, "nostr_batched_keys_total %d\n\n", batchedKeysTotal.Load())

		// Auth metrics
		fmt.Fprintf(w, "# HELP nostr_auth_challenges_total AUTH challenges received from relays\n")
		fmt.Fprintf(w, "# TYPE nostr_auth_challenges_total counter\n")
		fmt.Fprintf(w, "nostr_auth_challenges_total %d\n\n", authChallengesTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_auth_retries_total AUTH handshake attempts\n")
		fmt.Fprintf(w, "# TYPE nostr_auth_retries_total counter\n")
		fmt.Fprintf(w, "nostr_auth_retries_total %d\n\n", authRetriesTotal.Load())

		fmt.Fprintf(w, "# HELP nostr_auth_failures_total AUTH handshakes abandoned after the retry cap\n")
		fmt.Fprintf(w, "# TYPE nostr_auth_failures_total counter\n")
		fmt.Fprintf(w, "nostr_auth_failures_total %d\n\n", authFailuresTotal.Load())

		// Cache metrics
		cacheHits := cacheHitsTotal.Load()
		cacheMisses := cacheMissesTotal.Load()

		fmt.Fprintf(w, "# HELP cache_hits_total Total cache hits\n")
		fmt.Fprintf(w, "# TYPE cache_hits_total counter\n")
		fmt.Fprintf(w, "cache_hits_total %d\n\n", cacheHits)

		fmt.Fprintf(w, "# HELP cache_misses_total Total cache misses\n")
		fmt.Fprintf(w, "# TYPE cache_misses_total counter\n")
		fmt.Fprintf(w, "cache_misses_total %d\n\n", cacheMisses)

		var hitRatio float64
		if total := cacheHits + cacheMisses; total > 0 {
			hitRatio = float64(cacheHits) / float64(total)
		}
		fmt.Fprintf(w, "# HELP cache_hit_ratio Cache hit ratio\n")
		fmt.Fprintf(w, "# TYPE cache_hit_ratio gauge\n")
		fmt.Fprintf(w, "cache_hit_ratio %.4f\n", hitRatio)
	}
}
