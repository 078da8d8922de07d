package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
)

// EnvPrefix is prepended to the upper-cased flag name, e.g. DEPCHECK_REDIS_URL.
const EnvPrefix = "DEPCHECK_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	LogFile         string
	LogMaxSizeMB    int

	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	CheckTimeout  time.Duration
	DegradedAfter time.Duration
	HealthRate    float64
	HealthBurst   int
	ReadyCache    time.Duration
	CORSOrigins   string
	// SoftChecks fail as Degraded instead of Unhealthy, so they never
	// take the process out of rotation.
	SoftChecks  string
	DrainPeriod time.Duration

	// Probe targets. Any of them may be an ssm:// parameter reference.
	PostgresDSN   string
	PostgresQuery string
	RedisURL      string
	AMQPURI       string
	GRPCTarget    string
	GRPCService   string
	S3Bucket      string
	KMSKeyID      string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", "", "write logs to this file with size-based rotation instead of stdout")
	fs.IntVar(&c.LogMaxSizeMB, "log-max-size-mb", 100, "rotate log-file after this many megabytes")

	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.DurationVar(&c.CheckTimeout, "check-timeout", 5*time.Second, "default deadline for a single dependency check")
	fs.DurationVar(&c.DegradedAfter, "degraded-after", 0, "report a passing check as degraded when slower than this (0 disables)")
	fs.Float64Var(&c.HealthRate, "health-rate", 5, "requests per second allowed on /-/health")
	fs.IntVar(&c.HealthBurst, "health-burst", 10, "burst allowed on /-/health")
	fs.DurationVar(&c.ReadyCache, "ready-cache", time.Second, "reuse the last /-/ready result for this long (0 checks on every request)")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma separated origins allowed to read /-/health")
	fs.StringVar(&c.SoftChecks, "soft-checks", "", "comma separated checks reported degraded instead of unhealthy when they fail")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time readiness fails before the admin server stops on shutdown")

	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "postgres connection string to check")
	fs.StringVar(&c.PostgresQuery, "postgres-query", "SELECT 1", "query run against postgres-dsn")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis:// url to check")
	fs.StringVar(&c.AMQPURI, "amqp-uri", "", "amqp:// uri of the broker to check")
	fs.StringVar(&c.GRPCTarget, "grpc-target", "", "gRPC target exposing grpc.health.v1")
	fs.StringVar(&c.GRPCService, "grpc-service", "", "service name for the gRPC health check (empty = whole server)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "S3 bucket to check with HeadBucket")
	fs.StringVar(&c.KMSKeyID, "kms-key-id", "", "KMS key id, ARN or alias to check with DescribeKey")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, redact(f.Name, envVal))
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

// target flags can carry credentials
func redact(flagName, v string) string {
	switch flagName {
	case "postgres-dsn", "redis-url", "amqp-uri":
		return "<redacted>"
	}
	return v
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.LogFile != "" && c.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("LOG_MAX_SIZE_MB must be >= 1 (got %d)", c.LogMaxSizeMB))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Checks
	if c.CheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CHECK_TIMEOUT must be > 0 (got %s)", c.CheckTimeout))
	}
	if c.DegradedAfter < 0 {
		errs = append(errs, fmt.Errorf("DEGRADED_AFTER must be >= 0 (got %s)", c.DegradedAfter))
	}
	if c.DegradedAfter > 0 && c.DegradedAfter >= c.CheckTimeout {
		errs = append(errs, fmt.Errorf("DEGRADED_AFTER (%s) must be below CHECK_TIMEOUT (%s)", c.DegradedAfter, c.CheckTimeout))
	}
	if c.HealthRate <= 0 {
		errs = append(errs, fmt.Errorf("HEALTH_RATE must be > 0 (got %g)", c.HealthRate))
	}
	if c.ReadyCache < 0 {
		errs = append(errs, fmt.Errorf("READY_CACHE must be >= 0 (got %s)", c.ReadyCache))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod))
	}
	for _, name := range SplitList(c.SoftChecks) {
		if !knownCheck(name) {
			errs = append(errs, fmt.Errorf("SOFT_CHECKS: unknown check %q", name))
		}
	}
	if c.HealthBurst < 1 {
		errs = append(errs, fmt.Errorf("HEALTH_BURST must be >= 1 (got %d)", c.HealthBurst))
	}

	// Targets: only the scheme is checked here, drivers parse the rest.
	if c.PostgresDSN != "" && strings.TrimSpace(c.PostgresQuery) == "" {
		errs = append(errs, fmt.Errorf("POSTGRES_QUERY is required when POSTGRES_DSN is set"))
	}
	if err := checkScheme("REDIS_URL", c.RedisURL, "redis", "rediss", "unix"); err != nil {
		errs = append(errs, err)
	}
	if err := checkScheme("AMQP_URI", c.AMQPURI, "amqp", "amqps"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkScheme(name, v string, schemes ...string) error {
	if v == "" || strings.HasPrefix(v, "ssm://") {
		return nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("%s is not a URL", name)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s:// or ssm:// (got scheme %q)", name, strings.Join(schemes, "://, "), u.Scheme)
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var checkNames = []string{"postgres", "redis", "rabbitmq", "grpc", "s3", "kms"}

func knownCheck(name string) bool { return slices.Contains(checkNames, name) }

// Targets lists the configured probe targets by default check name.
func (c App) Targets() map[string]string {
	out := make(map[string]string)
	for name, v := range map[string]string{
		"postgres": c.PostgresDSN,
		"redis":    c.RedisURL,
		"rabbitmq": c.AMQPURI,
		"grpc":     c.GRPCTarget,
		"s3":       c.S3Bucket,
		"kms":      c.KMSKeyID,
	} {
		if v != "" {
			out[name] = v
		}
	}
	return out
}
