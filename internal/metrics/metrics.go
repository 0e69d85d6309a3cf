// Package metrics documents the harvester's Prometheus metrics and serves
// them over HTTP when enabled. The metrics themselves are defined next to
// the code that increments them, via promauto:
//
//	harvest_sessions_created_total          (internal/streetview)
//	harvest_pano_lookups_total{result}      (internal/streetview)
//	harvest_tiles_fetched_total{result}     (internal/streetview)
//	harvest_retries_total{error_class}      (internal/streetview)
//	harvest_retry_exhausted_total{error_class}
//	harvest_points_total{status}            (internal/pipeline)
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the registerer all harvester metrics attach to.
var Registry = prometheus.DefaultRegisterer

// Serve exposes /metrics on addr in a background goroutine. Serving failures
// are logged, not fatal: a broken metrics port should not stop a harvest.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}
