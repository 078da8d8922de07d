package health

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Checker runs one check and reports it as a value.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc func(context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any is OR: passes if any probe passes; otherwise returns the last error (or a generic one).
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// FromProbe lifts an error-returning probe into a Checker.
func FromProbe(p Probe) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if p == nil {
			return Healthy("")
		}
		return FromError(p.Check(ctx), StatusUnhealthy)
	})
}

// AsProbe lowers a Checker into a Probe. Only an unhealthy result fails;
// degraded dependencies still count as serving.
func AsProbe(c Checker) CheckFunc {
	return func(ctx context.Context) error {
		if c == nil {
			return nil
		}
		r := c.Check(ctx)
		if r.Status != StatusUnhealthy {
			return nil
		}
		if r.Err != nil {
			return r.Err
		}
		if r.Description != "" {
			return xerrors.New(r.Description)
		}
		return xerrors.New("unhealthy")
	}
}

// Guard converts a panic inside c into an unhealthy result.
func Guard(c Checker) Checker {
	return CheckerFunc(func(ctx context.Context) (res Result) {
		defer func() {
			if v := recover(); v != nil {
				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("%v", v)
				}
				res = Unhealthy("", xerrors.WithStack(xerrors.Wrap(err, "check panicked")))
			}
		}()
		return c.Check(ctx)
	})
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Draining() bool { return g.draining.Load() }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
