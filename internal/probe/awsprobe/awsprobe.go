// Package awsprobe checks AWS resources a service depends on: that an S3
// bucket is reachable with the caller's credentials, and that a KMS key is
// usable.
package awsprobe

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const (
	DefaultS3Name  = "s3"
	DefaultKMSName = "kms"
)

// S3API is the subset of the S3 client the bucket probe calls.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// KMSAPI is the subset of the KMS client the key probe calls.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

type S3Config struct {
	Client S3API
	Bucket string
	// ExpectedOwner, when set, is sent as ExpectedBucketOwner.
	ExpectedOwner string
	Configure     func(*s3.Options)
	DegradedAfter time.Duration
}

type KMSConfig struct {
	Client        KMSAPI
	KeyID         string
	Configure     func(*kms.Options)
	DegradedAfter time.Duration
}

type Probe struct {
	*probe.Dependency
}

func NewS3(cfg S3Config) (*Probe, error) {
	if cfg.Client == nil {
		return nil, xerrors.New("awsprobe: s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, xerrors.New("awsprobe: bucket is required")
	}
	return newProbe(cfg.DegradedAfter, func(ctx context.Context) error {
		in := &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}
		if cfg.ExpectedOwner != "" {
			in.ExpectedBucketOwner = aws.String(cfg.ExpectedOwner)
		}
		_, err := cfg.Client.HeadBucket(ctx, in, s3Opts(cfg.Configure)...)
		return callErr("head bucket", err)
	})
}

func NewKMS(cfg KMSConfig) (*Probe, error) {
	if cfg.Client == nil {
		return nil, xerrors.New("awsprobe: kms client is required")
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return nil, xerrors.New("awsprobe: key id is required")
	}
	return newProbe(cfg.DegradedAfter, func(ctx context.Context) error {
		out, err := cfg.Client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(cfg.KeyID)}, kmsOpts(cfg.Configure)...)
		if err != nil {
			return callErr("describe key", err)
		}
		if out.KeyMetadata == nil {
			return xerrors.Newf("kms key %s: no metadata returned", cfg.KeyID)
		}
		return keyStateErr(cfg.KeyID, out.KeyMetadata.KeyState)
	})
}

// keyStateErr maps a key state onto the probe outcome. Keys that still
// exist but are on their way out or awaiting material are degraded.
func keyStateErr(keyID string, st kmstypes.KeyState) error {
	switch st {
	case kmstypes.KeyStateEnabled:
		return nil
	case kmstypes.KeyStatePendingDeletion, kmstypes.KeyStatePendingImport:
		return probe.Degrade(xerrors.Newf("kms key %s is %s", keyID, st))
	default:
		return xerrors.Newf("kms key %s is %s", keyID, st)
	}
}

// The SDK clients are stateless, so each check's session is just the call.
func newProbe(degradedAfter time.Duration, call func(context.Context) error) (*Probe, error) {
	conn := probe.ConnectorFunc(func(context.Context) (probe.Session, error) {
		return probe.NewSession(call, nil), nil
	})
	d, err := probe.New(conn, probe.Options{DegradedAfter: degradedAfter})
	if err != nil {
		return nil, err
	}
	return &Probe{Dependency: d}, nil
}

// callErr separates answers from AWS (execution) from failures to reach it
// (connection).
func callErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return health.NewFault(health.FaultConnection, op, err)
}

func s3Opts(f func(*s3.Options)) []func(*s3.Options) {
	if f == nil {
		return nil
	}
	return []func(*s3.Options){f}
}

func kmsOpts(f func(*kms.Options)) []func(*kms.Options) {
	if f == nil {
		return nil
	}
	return []func(*kms.Options){f}
}

func RegisterS3(reg *health.Registry, cfg S3Config, opts ...health.RegisterOption) error {
	p, err := NewS3(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultS3Name, health.Static(p), opts...))
}

func RegisterKMS(reg *health.Registry, cfg KMSConfig, opts ...health.RegisterOption) error {
	p, err := NewKMS(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultKMSName, health.Static(p), opts...))
}

// RegisterS3Func resolves the bucket name when the check first runs.
func RegisterS3Func(reg *health.Registry, bucket probe.Target, cfg S3Config, opts ...health.RegisterOption) error {
	build := func(v string) (*Probe, error) {
		c := cfg
		c.Bucket = v
		return NewS3(c)
	}
	return reg.Add(health.NewRegistration(DefaultS3Name, probe.Lazy(bucket, build), opts...))
}

// RegisterKMSFunc resolves the key id when the check first runs.
func RegisterKMSFunc(reg *health.Registry, keyID probe.Target, cfg KMSConfig, opts ...health.RegisterOption) error {
	build := func(v string) (*Probe, error) {
		c := cfg
		c.KeyID = v
		return NewKMS(c)
	}
	return reg.Add(health.NewRegistration(DefaultKMSName, probe.Lazy(keyID, build), opts...))
}
