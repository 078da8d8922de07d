package health

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Factory builds the checker for a registration. It is called on first use
// and again after a failed attempt; a successful checker is reused.
type Factory func(ctx context.Context) (Checker, error)

// Static wraps an already-built checker as a Factory.
func Static(c Checker) Factory {
	return func(context.Context) (Checker, error) { return c, nil }
}

type Registration struct {
	Name    string
	Factory Factory
	// FailureStatus replaces StatusUnhealthy on failed results. The zero
	// value keeps them unhealthy.
	FailureStatus Status
	// Timeout bounds a single run. Zero uses the registry default.
	Timeout time.Duration
	Tags    []string
}

func (r Registration) HasTag(tag string) bool { return slices.Contains(r.Tags, tag) }

// RegisterOption adjusts a Registration before it is added. Probe packages
// use these for their Register helpers.
type RegisterOption func(*Registration)

func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

func WithFailureStatus(s Status) RegisterOption {
	return func(r *Registration) { r.FailureStatus = s }
}

func WithTimeout(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Timeout = d }
}

func WithTags(tags ...string) RegisterOption {
	return func(r *Registration) { r.Tags = append(r.Tags, tags...) }
}

// NewRegistration applies opts on top of a default name and factory.
func NewRegistration(defaultName string, f Factory, opts ...RegisterOption) Registration {
	r := Registration{Name: defaultName, Factory: f}
	for _, o := range opts {
		if o != nil {
			o(&r)
		}
	}
	return r
}

type entry struct {
	reg Registration

	mu      sync.Mutex
	checker Checker
}

// Observer is told about every finished run. The host uses it for metrics.
type Observer func(name string, r Result)

type Registry struct {
	mu      sync.RWMutex
	order   []*entry
	byName  map[string]*entry
	closed  bool
	timeout time.Duration
	observe Observer
	tracer  trace.Tracer
}

type RegistryOption func(*Registry)

// WithDefaultTimeout bounds runs whose registration has no Timeout.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observe = o }
}

func WithTracer(t trace.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName:  make(map[string]*entry),
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("depcheck/health")
	}
	return r
}

var (
	ErrUnknownCheck   = xerrors.New("unknown health check")
	ErrDuplicateCheck = xerrors.New("duplicate health check name")
)

// Add registers reg. Names must be unique and non-empty.
func (r *Registry) Add(reg Registration) error {
	if reg.Name == "" {
		return xerrors.New("health check name is required")
	}
	if reg.Factory == nil {
		return xerrors.Newf("health check %q has no factory", reg.Name)
	}
	if reg.FailureStatus > StatusHealthy {
		return xerrors.Newf("health check %q has invalid failure status %d", reg.Name, reg.FailureStatus)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return xerrors.WithStack(ErrDisposed)
	}
	if _, ok := r.byName[reg.Name]; ok {
		return xerrors.Wrapf(ErrDuplicateCheck, "add %q", reg.Name)
	}
	reg.Tags = slices.Clone(reg.Tags)
	e := &entry{reg: reg}
	r.order = append(r.order, e)
	r.byName[reg.Name] = e
	return nil
}

// Registrations returns copies in the order they were added.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, e.reg)
	}
	return out
}

func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// Checker returns the built checker for name, calling its factory if needed.
func (r *Registry) Checker(ctx context.Context, name string) (Checker, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, e)
}

// Check runs a single registration. The error is only for unknown names;
// check failures are in the Result.
func (r *Registry) Check(ctx context.Context, name string) (Result, error) {
	e, err := r.entry(name)
	if err != nil {
		return Result{}, err
	}
	return r.run(ctx, e), nil
}

// Close disposes every built checker that implements io.Closer. Later runs
// report FaultDisposed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := slices.Clone(r.order)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		c := e.checker
		e.mu.Unlock()
		if closer, ok := c.(io.Closer); ok {
			errs = append(errs, xerrors.Wrapf(closer.Close(), "close %q", e.reg.Name))
		}
	}
	return xerrors.Combine(errs...)
}

func (r *Registry) entry(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, xerrors.Wrapf(ErrUnknownCheck, "%q", name)
	}
	return e, nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) resolve(ctx context.Context, e *entry) (Checker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checker != nil {
		return e.checker, nil
	}
	if r.isClosed() {
		return nil, xerrors.WithStack(ErrDisposed)
	}
	c, err := e.reg.Factory(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build check %q", e.reg.Name)
	}
	if c == nil {
		return nil, xerrors.Newf("build check %q: factory returned no checker", e.reg.Name)
	}
	e.checker = c
	return c, nil
}

// run executes one registration under its timeout and span, applies the
// failure status and reports to the observer.
func (r *Registry) run(ctx context.Context, e *entry) Result {
	name := e.reg.Name
	timeout := e.reg.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "health.check",
		trace.WithAttributes(attribute.String("health.check.name", name)),
	)
	defer span.End()

	L := log.FromContext(ctx).With("check", name)
	ctx = log.WithContext(ctx, L)

	start := time.Now()
	var res Result
	if c, err := r.resolve(ctx, e); err != nil {
		res = Unhealthy("", err)
	} else {
		res = Guard(c).Check(ctx)
	}
	if res.Duration == 0 {
		res = res.WithDuration(time.Since(start))
	}
	if res.Status == StatusUnhealthy {
		res = res.WithStatus(e.reg.FailureStatus)
	}

	span.SetAttributes(
		attribute.String("health.check.status", res.Status.String()),
		attribute.String("health.check.fault", res.Fault().String()),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		if res.Status == StatusUnhealthy {
			span.SetStatus(codes.Error, res.Description)
		}
	}

	switch res.Status {
	case StatusHealthy:
		L.Debug(ctx, "health check passed", "duration_ms", ms(res.Duration))
	default:
		L.Warn(ctx, "health check failed",
			"status", res.Status.String(),
			"fault", res.Fault().String(),
			"description", res.Description,
			"duration_ms", ms(res.Duration),
		)
	}

	if r.observe != nil {
		r.observe(name, res)
	}
	return res
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
