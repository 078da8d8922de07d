// Package checks turns the app config into registry entries, one per
// configured dependency.
package checks

import (
	"slices"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/paramstore"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe/amqpprobe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe/awsprobe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe/grpcprobe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe/redisprobe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe/sqlprobe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Clients carries the AWS clients the probes and target lookups need. Any
// of them may be nil when nothing configured uses it.
type Clients struct {
	Params *paramstore.Resolver
	S3     awsprobe.S3API
	KMS    awsprobe.KMSAPI
}

var tags = map[string][]string{
	sqlprobe.DefaultName:    {"db"},
	redisprobe.DefaultName:  {"cache"},
	amqpprobe.DefaultName:   {"messaging"},
	grpcprobe.DefaultName:   {"rpc"},
	awsprobe.DefaultS3Name:  {"aws", "storage"},
	awsprobe.DefaultKMSName: {"aws", "crypto"},
}

// NeedsAWS reports whether c configures anything that calls AWS.
func NeedsAWS(c cfg.App) bool {
	if c.S3Bucket != "" || c.KMSKeyID != "" {
		return true
	}
	for _, v := range c.Targets() {
		if paramstore.IsRef(v) {
			return true
		}
	}
	return false
}

// Register adds a check for every target set in c and returns the names
// added, in a fixed order.
func Register(reg *health.Registry, c cfg.App, cl Clients) ([]string, error) {
	soft := cfg.SplitList(c.SoftChecks)
	opts := func(name string) []health.RegisterOption {
		out := []health.RegisterOption{health.WithTags(tags[name]...)}
		if slices.Contains(soft, name) {
			out = append(out, health.WithFailureStatus(health.StatusDegraded))
		}
		return out
	}
	target := cl.Params.Target

	var names []string
	add := func(name string, err error) error {
		if err != nil {
			return xerrors.Wrapf(err, "register %s check", name)
		}
		names = append(names, name)
		return nil
	}

	if c.PostgresDSN != "" {
		err := sqlprobe.RegisterFunc(reg, target(c.PostgresDSN), sqlprobe.Config{
			Query:         c.PostgresQuery,
			DegradedAfter: c.DegradedAfter,
		}, opts(sqlprobe.DefaultName)...)
		if err := add(sqlprobe.DefaultName, err); err != nil {
			return names, err
		}
	}

	if c.RedisURL != "" {
		err := redisprobe.RegisterFunc(reg, target(c.RedisURL), redisprobe.Config{
			DegradedAfter: c.DegradedAfter,
		}, opts(redisprobe.DefaultName)...)
		if err := add(redisprobe.DefaultName, err); err != nil {
			return names, err
		}
	}

	if c.AMQPURI != "" {
		err := amqpprobe.RegisterFunc(reg, target(c.AMQPURI), amqpprobe.Config{
			DegradedAfter: c.DegradedAfter,
		}, opts(amqpprobe.DefaultName)...)
		if err := add(amqpprobe.DefaultName, err); err != nil {
			return names, err
		}
	}

	if c.GRPCTarget != "" {
		err := grpcprobe.RegisterFunc(reg, target(c.GRPCTarget), grpcprobe.Config{
			Service:       c.GRPCService,
			DegradedAfter: c.DegradedAfter,
		}, opts(grpcprobe.DefaultName)...)
		if err := add(grpcprobe.DefaultName, err); err != nil {
			return names, err
		}
	}

	if c.S3Bucket != "" {
		var err error
		if cl.S3 == nil {
			err = xerrors.New("s3 client is not configured")
		} else {
			err = awsprobe.RegisterS3Func(reg, target(c.S3Bucket), awsprobe.S3Config{
				Client:        cl.S3,
				DegradedAfter: c.DegradedAfter,
			}, opts(awsprobe.DefaultS3Name)...)
		}
		if err := add(awsprobe.DefaultS3Name, err); err != nil {
			return names, err
		}
	}

	if c.KMSKeyID != "" {
		var err error
		if cl.KMS == nil {
			err = xerrors.New("kms client is not configured")
		} else {
			err = awsprobe.RegisterKMSFunc(reg, target(c.KMSKeyID), awsprobe.KMSConfig{
				Client:        cl.KMS,
				DegradedAfter: c.DegradedAfter,
			}, opts(awsprobe.DefaultKMSName)...)
		}
		if err := add(awsprobe.DefaultKMSName, err); err != nil {
			return names, err
		}
	}

	return names, nil
}
