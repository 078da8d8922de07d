// Package sqlprobe checks a relational database by opening a connection and
// running a scalar query on it.
package sqlprobe

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/health"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/probe"
	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

const (
	DefaultName   = "postgres"
	DefaultDriver = "postgres"
	DefaultQuery  = "SELECT 1"
)

type Config struct {
	// Driver is a database/sql driver name. Empty means lib/pq.
	Driver string
	DSN    string
	Query  string
	// BeforeConnect runs on the handle before a connection is taken from it.
	BeforeConnect func(*sqlx.DB)
	DegradedAfter time.Duration
}

// Probe opens a fresh handle per check, so it shares no pool with the
// application it is watching.
type Probe struct {
	*probe.Dependency
}

func New(cfg Config) (*Probe, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New("sqlprobe: connection string is required")
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, xerrors.New("sqlprobe: query is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	d, err := probe.New(connector(cfg), probe.Options{
		DegradedAfter: cfg.DegradedAfter,
		Closed:        []error{sql.ErrConnDone},
	})
	if err != nil {
		return nil, err
	}
	return &Probe{Dependency: d}, nil
}

type connector Config

func (c connector) Connect(ctx context.Context) (probe.Session, error) {
	db, err := sqlx.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", c.Driver)
	}
	db.SetMaxOpenConns(1)
	if c.BeforeConnect != nil {
		c.BeforeConnect(db)
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &session{db: db, conn: conn, query: c.Query}, nil
}

type session struct {
	db    *sqlx.DB
	conn  *sqlx.Conn
	query string
}

// Validate reads at most the first row; an empty result is fine.
func (s *session) Validate(ctx context.Context) error {
	rows, err := s.conn.QueryxContext(ctx, s.query)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		if _, err := rows.SliceScan(); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *session) Close() error {
	return xerrors.Combine(s.conn.Close(), s.db.Close())
}

// Register adds a probe for dsn running DefaultQuery.
func Register(reg *health.Registry, dsn string, opts ...health.RegisterOption) error {
	return RegisterConfig(reg, Config{DSN: dsn}, opts...)
}

func RegisterConfig(reg *health.Registry, cfg Config, opts ...health.RegisterOption) error {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	p, err := New(cfg)
	if err != nil {
		return err
	}
	return reg.Add(health.NewRegistration(DefaultName, health.Static(p), opts...))
}

// RegisterFunc resolves the DSN when the check first runs. cfg.DSN is
// ignored.
func RegisterFunc(reg *health.Registry, dsn probe.Target, cfg Config, opts ...health.RegisterOption) error {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	build := func(v string) (*Probe, error) {
		c := cfg
		c.DSN = v
		return New(c)
	}
	return reg.Add(health.NewRegistration(DefaultName, probe.Lazy(dsn, build), opts...))
}
