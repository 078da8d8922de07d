// Package healthhttp serves the dependency registry over HTTP: liveness,
// readiness and a JSON report of every check.
package healthhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
)

// StatusHeader carries the aggregate status on report responses.
const StatusHeader = "X-Health-Status"

type Options struct {
	Registry *health.Registry
	// Gate, when set, fails readiness while draining.
	Gate *health.ShutdownGate

	// Rate and Burst limit the report endpoints, which fan out to every
	// dependency. Rate <= 0 disables limiting.
	Rate  float64
	Burst int
	// OnRateLimited is called for each rejected request.
	OnRateLimited func()

	// ReadyTTL serves /-/ready from the last dependency report until it is
	// this old. Zero runs every check on every request.
	ReadyTTL time.Duration

	// CORSOrigins lists origins allowed to read the report from a browser.
	CORSOrigins []string
}

// API implements the RouteRegistrar pattern for health endpoints.
type API struct {
	reg     *health.Registry
	gate    *health.ShutdownGate
	limiter *rate.Limiter
	onLimit func()
	origins []string
	ready   *readyCache
}

// NewAPI constructs a health API.
func NewAPI(opts Options) *API {
	lim := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &API{
		reg:     opts.Registry,
		gate:    opts.Gate,
		limiter: lim,
		onLimit: opts.OnRateLimited,
		origins: opts.CORSOrigins,
		ready:   newReadyCache(opts.ReadyTTL),
	}
}

// RegisterRoutes attaches /-/ping, /-/healthy, /-/ready and the /-/health
// report routes to r.
func (api *API) RegisterRoutes(r chi.Router) {
	// super-dumb liveness: "is the process up and answering?"
	r.Get("/-/ping", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "pong")
	})

	// liveness does not look at dependencies; a broken database is no
	// reason to restart this process
	r.Get("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	r.Get("/-/ready", api.handleReady)

	r.Group(func(r chi.Router) {
		if len(api.origins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: api.origins,
				AllowedMethods: []string{http.MethodGet, http.MethodOptions},
				AllowedHeaders: []string{"Accept"},
				ExposedHeaders: []string{StatusHeader},
				MaxAge:         300,
			}))
		}
		// cors answers preflight itself, ahead of the limiter
		r.Use(api.limit)
		if len(api.origins) > 0 {
			// preflight must route through the group for the middleware to see it
			r.Options("/-/health", noContent)
			r.Options("/-/health/{check}", noContent)
		}
		r.Get("/-/health", api.handleReport)
		r.Get("/-/health/{check}", api.handleCheck)
	})
}

// ready means not draining and no dependency Unhealthy; Degraded still serves.
func (api *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.gate != nil {
		if err := api.gate.Probe()(ctx); err != nil {
			writeText(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	if api.reg != nil {
		filters := tagFilters(r)
		rep := api.ready.report(ctx, r.URL.Query()["tag"], func(ctx context.Context) health.Report {
			return api.reg.CheckAll(ctx, filters...)
		})
		if rep.Status == health.StatusUnhealthy {
			writeText(w, http.StatusServiceUnavailable, "not ready: "+strings.Join(failing(rep), ","))
			return
		}
	}
	writeText(w, http.StatusOK, "ready")
}

func (api *API) handleReport(w http.ResponseWriter, r *http.Request) {
	rep := health.Report{Status: health.StatusHealthy, Entries: map[string]health.Entry{}}
	if api.reg != nil {
		rep = api.reg.CheckAll(r.Context(), tagFilters(r)...)
	}
	writeReport(r.Context(), w, rep)
}

func (api *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "check")
	if api.reg == nil {
		writeText(w, http.StatusNotFound, "unknown check "+strconv.Quote(name))
		return
	}
	if _, ok := api.reg.Lookup(name); !ok {
		writeText(w, http.StatusNotFound, "unknown check "+strconv.Quote(name))
		return
	}
	writeReport(r.Context(), w, api.reg.CheckAll(r.Context(), health.ByName(name)))
}

func (api *API) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !api.limiter.Allow() {
			if api.onLimit != nil {
				api.onLimit()
			}
			w.Header().Set("Retry-After", "1")
			writeText(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tagFilters turns each ?tag= value into a filter; all must match.
func tagFilters(r *http.Request) []health.Filter {
	tags := r.URL.Query()["tag"]
	out := make([]health.Filter, 0, len(tags))
	for _, t := range tags {
		for _, tag := range strings.Split(t, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				out = append(out, health.ByTag(tag))
			}
		}
	}
	return out
}

func failing(rep health.Report) []string {
	var out []string
	for name, e := range rep.Entries {
		if e.Status == health.StatusUnhealthy {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// StatusCode maps an aggregate status onto the report response code.
func StatusCode(s health.Status) int {
	if s == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeReport(ctx context.Context, w http.ResponseWriter, rep health.Report) {
	w.Header().Set(StatusHeader, rep.Status.String())
	writeJSON(ctx, w, StatusCode(rep.Status), rep)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, context.Canceled) {
		log.FromContext(ctx).Error(ctx, err, "encode health report")
	}
}

func noContent(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg + "\n"))
}
