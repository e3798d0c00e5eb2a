package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browser-router/internal/address"
	"github.com/shehryarbajwa/browser-router/internal/ratelimit"
)

// RouteOptions carries the pieces the router needs besides the handler.
type RouteOptions struct {
	Proxy           http.Handler
	RateLimiter     *ratelimit.Limiter
	RequestsPerHour int
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(opts RouteOptions) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(LoggingMiddleware(h.logger))

	// Session requests are rate limited per client
	sessions := api.PathPrefix("/sessions").Subrouter()
	if opts.RateLimiter != nil {
		sessions.Use(RateLimitMiddleware(opts.RateLimiter, opts.RequestsPerHour))
	}
	sessions.HandleFunc("", h.CreateSession).Methods("POST", "OPTIONS")

	api.HandleFunc("/regions", h.ListRegions).Methods("GET")
	api.HandleFunc("/regions/{region}/capacity", h.GetCapacity).Methods("GET")
	api.HandleFunc("/regions/{region}/containers", h.ListContainers).Methods("GET")

	// Direct connections to a reserved session
	if opts.Proxy != nil {
		r.PathPrefix(address.Prefix).Handler(opts.Proxy).Methods("GET")
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
