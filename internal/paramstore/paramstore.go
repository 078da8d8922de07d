// Package paramstore resolves probe targets kept in AWS SSM Parameter
// Store, so connection strings with credentials never sit in flags or env.
package paramstore

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Scheme prefixes a config value that names a parameter, e.g.
// "ssm:///prod/orders/postgres-dsn".
const Scheme = "ssm://"

// API is the subset of the SSM client used here.
type API interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver struct {
	client API
}

func New(client API) *Resolver {
	return &Resolver{client: client}
}

// IsRef reports whether v names a parameter rather than holding a value.
func IsRef(v string) bool { return strings.HasPrefix(v, Scheme) }

// Get fetches a parameter value with decryption.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	if r == nil || r.client == nil {
		return "", xerrors.Newf("SSM client is not configured (parameter %s)", name)
	}
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Target returns a lazily resolved probe target for v: a parameter lookup
// when v carries the ssm:// scheme, the literal value otherwise.
func (r *Resolver) Target(v string) probe.Target {
	if !IsRef(v) {
		return probe.Literal(v)
	}
	name := strings.TrimPrefix(v, Scheme)
	return func(ctx context.Context) (string, error) {
		return r.Get(ctx, name)
	}
}
