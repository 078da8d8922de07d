// Package redisprobe checks a Redis server by dialing it and running a
// single command, PING unless configured otherwise.
package redisprobe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const DefaultName = "redis"

var DefaultCommand = []string{"PING"}

type Config struct {
	// URL is a redis:// or rediss:// URL as accepted by redis.ParseURL.
	URL     string
	Command []string
	// Configure may adjust the parsed options, e.g. to set a Dialer.
	Configure     func(*redis.Options)
	DegradedAfter time.Duration
}

type Probe struct {
	*probe.Dependency
}

func New(cfg Config) (*Probe, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New("redisprobe: url is required")
	}
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, xerrors.New("redisprobe: command is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(err, "redisprobe: parse url")
	}
	if cfg.Configure != nil {
		cfg.Configure(opts)
	}
	args := make([]interface{}, len(cfg.Command))
	for i, a := range cfg.Command {
		args[i] = a
	}
	d, err := probe.New(&connector{opts: *opts, args: args}, probe.Options{
		DegradedAfter: cfg.DegradedAfter,
		Closed:        []error{redis.ErrClosed},
	})
	if err != nil {
		return nil, err
	}
	return &Probe{Dependency: d}, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type connector struct {
	opts redis.Options
	args []interface{}
}

// Connect dials the server up front so an unreachable server is a
// connection fault rather than a failed command. The dialed conn is handed
// to the client as its first connection.
func (c *connector) Connect(ctx context.Context) (probe.Session, error) {
	opts := c.opts
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	dial := dialFunc(opts.Dialer)
	if dial == nil {
		dial = defaultDialer(&opts)
	}
	nc, err := dial(ctx, opts.Network, opts.Addr)
	if err != nil {
		return nil, err
	}

	s := &session{conn: nc, args: c.args}
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if s.handed.CompareAndSwap(false, true) {
			return nc, nil
		}
		return dial(ctx, network, addr)
	}
	opts.MaxRetries = -1
	opts.PoolSize = 1
	s.client = redis.NewClient(&opts)
	return s, nil
}

func defaultDialer(o *redis.Options) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		nd := &net.Dialer{Timeout: o.DialTimeout, KeepAlive: 5 * time.Minute}
		if o.TLSConfig == nil {
			return nd.DialContext(ctx, network, addr)
		}
		td := &tls.Dialer{NetDialer: nd, Config: o.TLSConfig}
		return td.DialContext(ctx, network, addr)
	}
}

type session struct {
	client *redis.Client
	conn   net.Conn
	handed atomic.Bool
	args   []interface{}
}

// Validate treats a nil reply (e.g. GET of a missing key) as success.
func (s *session) Validate(ctx context.Context) error {
	err := s.client.Do(ctx, s.args...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *session) Close() error {
	err := s.client.Close()
	if s.handed.CompareAndSwap(false, true) {
		err = xerrors.Combine(err, s.conn.Close())
	}
	return err
}

// Register adds a PING probe for url.
func Register(reg *health.Registry, url string, opts ...health.RegisterOption) error {
	return RegisterConfig(reg, Config{URL: url}, opts...)
}

func RegisterConfig(reg *health.Registry, cfg Config, opts ...health.RegisterOption) error {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultName, health.Static(p), opts...))
}

// RegisterFunc resolves the URL when the check first runs. cfg.URL is
// ignored.
func RegisterFunc(reg *health.Registry, url probe.Target, cfg Config, opts ...health.RegisterOption) error {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	build := func(v string) (*Probe, error) {
		c := cfg
		c.URL = v
		return New(c)
	}
	return reg.Add(health.NewRegistration(DefaultName, probe.Lazy(url, build), opts...))
}
