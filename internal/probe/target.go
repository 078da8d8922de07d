package probe

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Target yields a connection target (DSN, URL, bucket, ...) when a
// registration is first built, e.g. from a parameter store.
type Target func(ctx context.Context) (string, error)

// Literal wraps a known target.
func Literal(v string) Target {
	return func(context.Context) (string, error) { return v, nil }
}

// Lazy returns a factory that resolves target and passes it to build. A
// failed resolve or build is reported by the registry and retried on the
// next run.
func Lazy[C health.Checker](target Target, build func(string) (C, error)) health.Factory {
	return func(ctx context.Context) (health.Checker, error) {
		if target == nil {
			return nil, xerrors.New("probe: target is required")
		}
		v, err := target(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "resolve target")
		}
		c, err := build(v)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
