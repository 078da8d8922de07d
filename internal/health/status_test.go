package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatus_Order(t *testing.T) {
	if !(StatusUnhealthy < StatusDegraded && StatusDegraded < StatusHealthy) {
		t.Fatal("statuses must be ordered worst to best")
	}
}

func TestWorst(t *testing.T) {
	tests := []struct {
		in   []Status
		want Status
	}{
		{nil, StatusHealthy},
		{[]Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{[]Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{[]Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := Worst(tt.in...); got != tt.want {
			t.Fatalf("Worst(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStatus_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Status{"s": StatusDegraded})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"s":"Degraded"}` {
		t.Fatalf("json = %s", b)
	}

	var out map[string]Status
	if err := json.Unmarshal([]byte(`{"s":"unhealthy"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["s"] != StatusUnhealthy {
		t.Fatalf("status = %v, want Unhealthy", out["s"])
	}

	if err := json.Unmarshal([]byte(`{"s":"sideways"}`), &out); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := Status(9).MarshalText(); err == nil {
		t.Fatal("expected error marshaling out-of-range status")
	}
}

func TestUnhealthy_DescriptionFallsBackToError(t *testing.T) {
	r := Unhealthy("", errors.New("dial tcp: refused"))
	if r.Description != "dial tcp: refused" {
		t.Fatalf("description = %q", r.Description)
	}
	r = Unhealthy("custom", errors.New("x"))
	if r.Description != "custom" {
		t.Fatalf("description = %q, want custom", r.Description)
	}
}

func TestFromError(t *testing.T) {
	if r := FromError(nil, StatusDegraded); r.Status != StatusHealthy || r.Err != nil {
		t.Fatalf("nil error should be healthy, got %+v", r)
	}
	err := errors.New("timeout")
	r := FromError(err, StatusDegraded)
	if r.Status != StatusDegraded || r.Err != err {
		t.Fatalf("got %+v", r)
	}
}

func TestResult_WithDataCopies(t *testing.T) {
	base := Healthy("ok").WithData("a", 1)
	next := base.WithData("b", 2)

	if _, ok := base.Data["b"]; ok {
		t.Fatal("WithData mutated the receiver")
	}
	if next.Data["a"] != 1 || next.Data["b"] != 2 {
		t.Fatalf("data = %v", next.Data)
	}
}

func TestResult_WithStatusAndDuration(t *testing.T) {
	r := Unhealthy("down", nil)
	d := r.WithStatus(StatusDegraded).WithDuration(3 * time.Millisecond)
	if r.Status != StatusUnhealthy {
		t.Fatal("WithStatus mutated the receiver")
	}
	if d.Status != StatusDegraded || d.Duration != 3*time.Millisecond {
		t.Fatalf("got %+v", d)
	}
}

// faults

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FaultKind
	}{
		{"nil", nil, FaultNone},
		{"plain", errors.New("x"), FaultNone},
		{"fault", NewFault(FaultExecution, "query", errors.New("syntax")), FaultExecution},
		{"wrapped fault", fmt.Errorf("outer: %w", NewFault(FaultConnection, "connect", errors.New("refused"))), FaultConnection},
		{"disposed sentinel", fmt.Errorf("check: %w", ErrDisposed), FaultDisposed},
		{"canceled", context.Canceled, FaultCancellation},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), FaultCancellation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	errClosed := errors.New("client is closed")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		ctx   context.Context
		phase FaultKind
		err   error
		want  FaultKind
	}{
		{"phase connection", context.Background(), FaultConnection, errors.New("refused"), FaultConnection},
		{"phase execution", context.Background(), FaultExecution, errors.New("bad query"), FaultExecution},
		{"disposed", context.Background(), FaultExecution, ErrDisposed, FaultDisposed},
		{"driver closed sentinel", context.Background(), FaultConnection, fmt.Errorf("do: %w", errClosed), FaultDisposed},
		{"context error", context.Background(), FaultConnection, context.DeadlineExceeded, FaultCancellation},
		{"ended ctx", canceled, FaultExecution, errors.New("read: use of closed conn"), FaultCancellation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.ctx, tt.phase, "op", tt.err, errClosed)
			if f == nil {
				t.Fatal("expected fault")
			}
			if f.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", f.Kind, tt.want)
			}
			if !errors.Is(f, tt.err) {
				t.Fatal("fault should unwrap to the original error")
			}
		})
	}

	if Classify(context.Background(), FaultConnection, "op", nil) != nil {
		t.Fatal("nil error should classify to nil")
	}
}

func TestClassify_KeepsExistingFault(t *testing.T) {
	inner := NewFault(FaultConnection, "connect", errors.New("refused"))
	got := Classify(context.Background(), FaultExecution, "validate", fmt.Errorf("x: %w", inner))
	if got != inner {
		t.Fatalf("got %v, want the inner fault", got)
	}
}

func TestFault_Error(t *testing.T) {
	f := NewFault(FaultConnection, "connect", errors.New("refused"))
	if f.Error() != "connect: refused" {
		t.Fatalf("Error() = %q", f.Error())
	}
	if (&Fault{Kind: FaultExecution}).Error() != "<nil>" {
		t.Fatal("empty fault should render <nil>")
	}
	if FaultDisposed.String() != "disposed" || FaultNone.String() != "none" {
		t.Fatal("unexpected FaultKind strings")
	}
}
