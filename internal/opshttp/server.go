package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const (
	DefaultPort = 9000

	TraceHeader = "X-Trace-Id"
	SpanHeader  = "X-Span-Id"
)

// Start admin HTTP server with the registered routes, /metrics and pprof
// debug endpoints. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof's cpu profile runs 30s by default
		WriteTimeout:   35 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return log.WithContext(context.Background(), L) },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// NewHandler builds the admin router. Split from Start so it can be served
// by httptest.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		accessLog(L),
		middleware.Recoverer,
		panicHook(opts.OnPanic),
	)
	if opts.MetricsMiddleware != nil {
		r.Use(opts.MetricsMiddleware)
	}
	if opts.Tracing {
		r.Use(traceHeaders)
	}

	for _, rr := range opts.Routes {
		if rr != nil {
			rr.RegisterRoutes(r)
		}
	}

	// scrape and profiling data stay on private networks
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) })
		if opts.Metrics != nil {
			r.Handle("/metrics", opts.Metrics)
		}
		if opts.EnablePprof {
			RegisterPprof(r)
		}
	})

	if !opts.Tracing {
		return r
	}
	return otelhttp.NewHandler(r, "admin",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
		otelhttp.WithFilter(func(req *http.Request) bool {
			// scrapes would dominate the trace volume
			return req.URL.Path != "/metrics"
		}),
	)
}

// RegisterPprof mounts the runtime profiler at /debug/pprof/ and expvar at
// /debug/vars.
func RegisterPprof(r chi.Router) {
	r.Mount("/debug", middleware.Profiler())
}

// accessLog puts a request-scoped logger into the context, so handlers and
// the checks they run log with the request id, and logs each request at
// debug.
func accessLog(L log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := L.With("request_id", middleware.GetReqID(r.Context()))
			ctx := log.WithContext(r.Context(), rl)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			rl.Debug(ctx, "admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", float64(time.Since(start).Microseconds())/1000,
			)
		})
	}
}

// panicHook reports a panic and re-raises it for middleware.Recoverer.
func panicHook(onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rv := recover(); rv != nil {
					if rv != http.ErrAbortHandler && onPanic != nil {
						onPanic()
					}
					panic(rv)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// traceHeaders echoes the active trace and span ids so a slow report can be
// looked up in the tracing backend.
func traceHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			w.Header().Set(TraceHeader, sc.TraceID().String())
			w.Header().Set(SpanHeader, sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}

// requireNonPublicNetwork rejects clients outside loopback, private and
// link-local ranges. IPv4-mapped IPv6 addresses are judged as IPv4.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "admin endpoint refused public client", "remote_ip", ip.String(), "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
