package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteRegistrar attaches a group of routes to the admin router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Port    int
	Metrics http.Handler
	// MetricsMiddleware instruments every admin request, e.g.
	// (*metrics.ServerMetrics).Middleware.
	MetricsMiddleware func(http.Handler) http.Handler
	EnablePprof       bool
	// Routes are mounted at the root, e.g. the healthhttp API.
	Routes []RouteRegistrar
	// Tracing wraps the router with otelhttp so each request gets a span.
	Tracing bool
	OnPanic func() // Optional callback for recovered panics, e.g. to increment a prometheus counter
}
