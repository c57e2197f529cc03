// Package server exposes the operational HTTP surface of the correspondence
// service: health checks, Prometheus metrics and operator endpoints.
package server

import (
	"net/http"

	"github.com/courier-systems/courier-stack/common/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs a ServeMux with the operational routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	if h.opts.Jobs != nil {
		mux.HandleFunc("GET /admin/jobs", h.ListJobs)
		mux.HandleFunc("POST /admin/jobs/{id}/replay", h.ReplayJob)
	}
	if h.opts.Repairer != nil {
		mux.HandleFunc("POST /admin/repair/{check}", h.Repair)
	}
	if h.opts.Timers != nil {
		mux.HandleFunc("GET /admin/timers", h.Timers)
	}
	if h.opts.Seeder != nil {
		mux.HandleFunc("POST /admin/seed", h.Seed)
	}

	return middleware.RequestID(middleware.AccessLog(h.logger.Logger)(mux))
}
