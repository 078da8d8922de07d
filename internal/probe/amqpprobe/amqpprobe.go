// Package amqpprobe checks an AMQP 0-9-1 broker such as RabbitMQ by opening
// a connection and a channel.
package amqpprobe

import (
	"context"
	"net"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const (
	DefaultName = "rabbitmq"

	defaultHandshakeTimeout = 30 * time.Second
)

type Config struct {
	URI string
	// Configure may adjust the client config before dialing. A Dial set
	// here replaces the context-aware default.
	Configure     func(*amqp.Config)
	DegradedAfter time.Duration
}

type Probe struct {
	*probe.Dependency
}

func New(cfg Config) (*Probe, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, xerrors.New("amqpprobe: uri is required")
	}
	if _, err := amqp.ParseURI(cfg.URI); err != nil {
		return nil, xerrors.Wrap(err, "amqpprobe: parse uri")
	}
	// amqp.ErrClosed is not a disposal signal here: every check owns its
	// connection, so it only means the broker hung up.
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
	cfg := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
		Dial:       dialer(ctx),
	}
	cfg.Properties.SetClientConnectionName("depcheck")
	if c.Configure != nil {
		c.Configure(&cfg)
	}
	if cfg.Dial == nil {
		cfg.Dial = amqp.DefaultDial(defaultHandshakeTimeout)
	}

	// keep the socket so ctx can cut it once the library has cleared its
	// deadline; channel open and close-ok otherwise wait forever
	var nc net.Conn
	dial := cfg.Dial
	cfg.Dial = func(network, addr string) (net.Conn, error) {
		conn, err := dial(network, addr)
		nc = conn
		return conn, err
	}

	conn, err := amqp.DialConfig(c.URI, cfg)
	if err != nil {
		return nil, err
	}
	s := &session{conn: conn, stop: func() bool { return false }}
	if nc != nil {
		s.stop = context.AfterFunc(ctx, func() { _ = nc.Close() })
	}
	return s, nil
}

// dialer bounds the TCP dial and the AMQP handshake by ctx. The library
// clears the deadline once the connection is open.
func dialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		dl, ok := ctx.Deadline()
		if !ok {
			dl = time.Now().Add(defaultHandshakeTimeout)
		}
		if err := conn.SetDeadline(dl); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

type session struct {
	conn *amqp.Connection
	// stop detaches the ctx watcher from the socket
	stop func() bool
}

func (s *session) Validate(context.Context) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	return ch.Close()
}

func (s *session) Close() error {
	defer s.stop()
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// Register adds a probe for uri under the name "rabbitmq" unless an option
// overrides it.
func Register(reg *health.Registry, uri string, opts ...health.RegisterOption) error {
	return RegisterConfig(reg, Config{URI: uri}, opts...)
}

func RegisterConfig(reg *health.Registry, cfg Config, opts ...health.RegisterOption) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultName, health.Static(p), opts...))
}

// RegisterFunc resolves the URI when the check first runs. cfg.URI is
// ignored.
func RegisterFunc(reg *health.Registry, uri probe.Target, cfg Config, opts ...health.RegisterOption) error {
	build := func(v string) (*Probe, error) {
		c := cfg
		c.URI = v
		return New(c)
	}
	return reg.Add(health.NewRegistration(DefaultName, probe.Lazy(uri, build), opts...))
}
