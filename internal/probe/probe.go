// Package probe runs a single connect-then-validate check against an
// external dependency. Concrete drivers live in the subpackages and only
// supply a Connector.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Session is the per-check resource a Connector opens. Close is called
// exactly once per check.
type Session interface {
	Validate(ctx context.Context) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function into a Connector.
type ConnectorFunc func(context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

type funcSession struct {
	validate func(context.Context) error
	close    func() error
}

func (s funcSession) Validate(ctx context.Context) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(ctx)
}

func (s funcSession) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// NewSession builds a Session from a validation step and a release func.
// Either may be nil.
func NewSession(validate func(context.Context) error, close func() error) Session {
	return funcSession{validate: validate, close: close}
}

type degraded struct{ err error }

func (d *degraded) Error() string { return d.err.Error() }
func (d *degraded) Unwrap() error { return d.err }

// Degrade marks a validation outcome as serving but impaired. Returned from
// Session.Validate it yields a degraded result instead of a fault.
func Degrade(err error) error {
	if err == nil {
		return nil
	}
	return &degraded{err: err}
}

type Options struct {
	// DegradedAfter reports a successful check as degraded when it took
	// longer. Zero disables.
	DegradedAfter time.Duration
	// Closed lists driver errors that mean the client was shut down.
	Closed []error
}

// Dependency checks one dependency through a Connector. It is safe for
// concurrent use; each Check opens and releases its own session.
type Dependency struct {
	conn     Connector
	opts     Options
	disposed atomic.Bool
}

func New(c Connector, opts Options) (*Dependency, error) {
	if c == nil {
		return nil, xerrors.New("probe: connector is required")
	}
	if opts.DegradedAfter < 0 {
		return nil, xerrors.Newf("probe: negative degraded threshold %s", opts.DegradedAfter)
	}
	return &Dependency{conn: c, opts: opts}, nil
}

// Close marks the probe disposed. Later checks report FaultDisposed.
func (d *Dependency) Close() error {
	d.disposed.Store(true)
	return nil
}

func (d *Dependency) Disposed() bool { return d.disposed.Load() }

func (d *Dependency) Check(ctx context.Context) health.Result {
	start := time.Now()
	fail := func(f *health.Fault) health.Result {
		return health.Unhealthy("", f).WithDuration(time.Since(start))
	}

	if d.disposed.Load() {
		return fail(health.NewFault(health.FaultDisposed, "check", health.ErrDisposed))
	}
	if ctx.Err() != nil {
		return fail(health.NewFault(health.FaultCancellation, "connect", context.Cause(ctx)))
	}

	sess, err := d.connect(ctx)
	if err != nil {
		return fail(health.Classify(ctx, health.FaultConnection, "connect", err, d.opts.Closed...))
	}
	release := d.releaser(ctx, sess)
	defer release()

	if err := sess.Validate(ctx); err != nil {
		var dg *degraded
		if errors.As(err, &dg) {
			return health.Degraded("", dg.err).WithDuration(time.Since(start))
		}
		return fail(health.Classify(ctx, health.FaultExecution, "validate", err, d.opts.Closed...))
	}
	release()

	took := time.Since(start)
	if d.opts.DegradedAfter > 0 && took > d.opts.DegradedAfter {
		desc := fmt.Sprintf("slow: took %s, threshold %s", took.Round(time.Millisecond), d.opts.DegradedAfter)
		return health.Degraded(desc, nil).WithDuration(took)
	}
	return health.Healthy("").WithDuration(took)
}

type connected struct {
	sess Session
	err  error
}

// connect runs Connect on its own goroutine so an uncooperative driver can
// not hold the caller past ctx. A session that arrives after ctx ended is
// closed in the background.
func (d *Dependency) connect(ctx context.Context) (Session, error) {
	ch := make(chan connected, 1)
	go func() {
		s, err := d.conn.Connect(ctx)
		ch <- connected{sess: s, err: err}
	}()

	select {
	case c := <-ch:
		if c.err != nil {
			if c.sess != nil {
				_ = c.sess.Close()
			}
			return nil, c.err
		}
		if c.sess == nil {
			return nil, xerrors.New("connector returned no session")
		}
		return c.sess, nil
	case <-ctx.Done():
		go func() {
			if c := <-ch; c.sess != nil {
				_ = c.sess.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

func (d *Dependency) releaser(ctx context.Context, s Session) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := s.Close(); err != nil {
				log.FromContext(ctx).Warn(ctx, "release dependency session", "err", err)
			}
		})
	}
}
