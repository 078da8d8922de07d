package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/checks"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/healthhttp"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/paramstore"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-depcheck/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var envFile string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading DEPCHECK_ variables (missing file is ignored)")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", v.AppName, vi.String())
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "env file error:", err)
		os.Exit(1)
	}

	// flags win over DEPCHECK_ variables
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
		File:            conf.LogFile,
		MaxSizeMB:       conf.LogMaxSizeMB,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "depcheck")
	ctx = log.WithContext(ctx, L)

	targets := conf.Targets()
	checkNames := make([]string, 0, len(targets))
	for name := range targets {
		checkNames = append(checkNames, name)
	}
	slices.Sort(checkNames)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"check_timeout", conf.CheckTimeout,
		"degraded_after", conf.DegradedAfter,
		"soft_checks", conf.SoftChecks,
		"checks", checkNames,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "depcheck",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start pyroscope profiling")
		os.Exit(1)
	}

	// Setup tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "admin",
		Version:   vi.Version,
		Checks:    checkNames,
	})
	if err != nil {
		L.Error(ctx, err, "failed to initialize tracing")
		os.Exit(1)
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "admin", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// AWS clients are only built when a check or an ssm:// target needs them
	var clients checks.Clients
	if checks.NeedsAWS(conf) {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		clients = checks.Clients{
			Params: paramstore.New(ssm.NewFromConfig(awsCfg)),
			S3:     s3.NewFromConfig(awsCfg),
			KMS:    kms.NewFromConfig(awsCfg),
		}
	}

	reg := health.NewRegistry(
		health.WithDefaultTimeout(conf.CheckTimeout),
		health.WithObserver(m.ObserveCheck),
	)
	names, err := checks.Register(reg, conf, clients)
	if err != nil {
		L.Error(ctx, err, "failed to register dependency checks")
		os.Exit(1)
	}
	if len(names) == 0 {
		L.Warn(ctx, "no dependency targets configured, readiness only reflects shutdown state")
	}
	L.Info(ctx, "dependency checks registered", "checks", names)

	gate := &health.ShutdownGate{}

	api := healthhttp.NewAPI(healthhttp.Options{
		Registry:      reg,
		Gate:          gate,
		Rate:          conf.HealthRate,
		Burst:         conf.HealthBurst,
		OnRateLimited: m.IncRateLimitDenied,
		ReadyTTL:      conf.ReadyCache,
		CORSOrigins:   cfg.SplitList(conf.CORSOrigins),
	})

	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:              conf.AdminPort,
		Metrics:           m.Handler(),
		MetricsMiddleware: m.Middleware,
		EnablePprof:       conf.EnablePprof,
		Routes:            []opshttp.RouteRegistrar{api},
		Tracing:           conf.EnableTracing,
		OnPanic:           m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http server")
		os.Exit(1)
	}

	// warm the checks so the first scrape and readiness probe see results
	rep := reg.CheckAll(ctx)
	L.Info(ctx, "initial dependency check", "status", rep.Status.String(), "report_id", rep.ID)

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// readiness fails from here so load balancers stop routing to us
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain_period", conf.DrainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := reg.Close(); err != nil {
		L.Error(context.Background(), err, "closing dependency checks")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
