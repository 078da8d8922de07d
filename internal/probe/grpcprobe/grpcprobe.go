// Package grpcprobe checks a gRPC server through the standard
// grpc.health.v1 Health service.
package grpcprobe

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const DefaultName = "grpc"

type Config struct {
	Target string
	// Service is the name passed to Health/Check. Empty asks about the
	// server as a whole.
	Service string
	// DialOptions are appended after the default insecure credentials.
	DialOptions   []grpc.DialOption
	DegradedAfter time.Duration
}

type Probe struct {
	*probe.Dependency
}

func New(cfg Config) (*Probe, error) {
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, xerrors.New("grpcprobe: target is required")
	}
	d, err := probe.New(connector(cfg), probe.Options{
		DegradedAfter: cfg.DegradedAfter,
	})
	if err != nil {
		return nil, err
	}
	return &Probe{Dependency: d}, nil
}

type connector Config

func (c connector) Connect(ctx context.Context) (probe.Session, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.DialOptions...)
	conn, err := grpc.NewClient(c.Target, opts...)
	if err != nil {
		return nil, err
	}
	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &session{conn: conn, service: c.Service}, nil
}

// waitReady drives the channel out of idle and stops at the first terminal
// state instead of waiting out reconnect backoff.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return xerrors.Newf("grpc channel to %s is %s", conn.Target(), s)
		}
		if !conn.WaitForStateChange(ctx, s) {
			return context.Cause(ctx)
		}
	}
}

type session struct {
	conn    *grpc.ClientConn
	service string
}

func (s *session) Validate(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: s.service})
	if err != nil {
		// the reference health server answers NotFound for unregistered services
		if status.Code(err) == codes.NotFound {
			return probe.Degrade(xerrors.Newf("service %q unknown to server", s.service))
		}
		return err
	}
	switch st := resp.GetStatus(); st {
	case healthpb.HealthCheckResponse_SERVING:
		return nil
	case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
		return probe.Degrade(xerrors.Newf("service %q unknown to server", s.service))
	default:
		return xerrors.Newf("service %q reports %s", s.service, st)
	}
}

func (s *session) Close() error { return s.conn.Close() }

func Register(reg *health.Registry, target string, opts ...health.RegisterOption) error {
	return RegisterConfig(reg, Config{Target: target}, opts...)
}

func RegisterConfig(reg *health.Registry, cfg Config, opts ...health.RegisterOption) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultName, health.Static(p), opts...))
}

// RegisterFunc resolves the target when the check first runs. cfg.Target is
// ignored.
func RegisterFunc(reg *health.Registry, target probe.Target, cfg Config, opts ...health.RegisterOption) error {
	build := func(v string) (*Probe, error) {
		c := cfg
		c.Target = v
		return New(c)
	}
	return reg.Add(health.NewRegistration(DefaultName, probe.Lazy(target, build), opts...))
}
