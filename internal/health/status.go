package health

import (
	"maps"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/xerrors"
)

// Status is ordered worst to best so the aggregate of several statuses is
// their minimum.
type Status uint8

const (
	StatusUnhealthy Status = iota
	StatusDegraded
	StatusHealthy
)

func (s Status) String() string {
	switch s {
	case StatusUnhealthy:
		return "Unhealthy"
	case StatusDegraded:
		return "Degraded"
	case StatusHealthy:
		return "Healthy"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s > StatusHealthy {
		return nil, xerrors.Newf("invalid health status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts the String form case-insensitively.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "unhealthy":
		return StatusUnhealthy, nil
	case "degraded":
		return StatusDegraded, nil
	case "healthy":
		return StatusHealthy, nil
	default:
		return StatusUnhealthy, xerrors.Newf("unknown health status %q (valid statuses are healthy|degraded|unhealthy)", v)
	}
}

// Worst returns the minimum of the given statuses, or StatusHealthy for none.
func Worst(ss ...Status) Status {
	out := StatusHealthy
	for _, s := range ss {
		if s < out {
			out = s
		}
	}
	return out
}

// Result is the outcome of one check. It is a value: the With* helpers
// return modified copies and never touch the receiver's Data.
type Result struct {
	Status      Status
	Description string
	Err         error
	Duration    time.Duration
	Data        map[string]any
}

func Healthy(description string) Result {
	return Result{Status: StatusHealthy, Description: description}
}

func Degraded(description string, err error) Result {
	return newResult(StatusDegraded, description, err)
}

// Unhealthy builds a failed result. An empty description falls back to
// the error message.
func Unhealthy(description string, err error) Result {
	return newResult(StatusUnhealthy, description, err)
}

// FromError maps nil to a healthy result and anything else to failureStatus.
func FromError(err error, failureStatus Status) Result {
	if err == nil {
		return Healthy("")
	}
	return newResult(failureStatus, "", err)
}

func newResult(s Status, description string, err error) Result {
	if description == "" && err != nil {
		description = err.Error()
	}
	return Result{Status: s, Description: description, Err: err}
}

func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}

func (r Result) WithStatus(s Status) Result {
	r.Status = s
	return r
}

func (r Result) WithData(key string, value any) Result {
	next := make(map[string]any, len(r.Data)+1)
	maps.Copy(next, r.Data)
	next[key] = value
	r.Data = next
	return r
}

// Fault returns the kind of fault carried by Err, or FaultNone.
func (r Result) Fault() FaultKind { return KindOf(r.Err) }
