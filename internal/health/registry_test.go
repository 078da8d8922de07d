package health

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-depcheck/internal/log"
)

type closingChecker struct {
	res    Result
	closed atomic.Int32
	err    error
}

func (c *closingChecker) Check(context.Context) Result { return c.res }
func (c *closingChecker) Close() error {
	c.closed.Add(1)
	return c.err
}

func mustAdd(t *testing.T, r *Registry, reg Registration) {
	t.Helper()
	if err := r.Add(reg); err != nil {
		t.Fatalf("Add(%q): %v", reg.Name, err)
	}
}

func fixed(res Result) Factory {
	return Static(CheckerFunc(func(context.Context) Result { return res }))
}

func TestRegistry_AddValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Registration{Factory: fixed(Healthy(""))}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Add(Registration{Name: "db"}); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if err := r.Add(Registration{Name: "db", Factory: fixed(Healthy("")), FailureStatus: Status(7)}); err == nil {
		t.Fatal("expected error for invalid failure status")
	}
	mustAdd(t, r, Registration{Name: "db", Factory: fixed(Healthy(""))})
	if err := r.Add(Registration{Name: "db", Factory: fixed(Healthy(""))}); !errors.Is(err, ErrDuplicateCheck) {
		t.Fatalf("err = %v, want ErrDuplicateCheck", err)
	}
}

func TestRegistry_RegistrationsInOrder(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"postgres", "redis", "rabbitmq"} {
		mustAdd(t, r, Registration{Name: n, Factory: fixed(Healthy(""))})
	}
	got := r.Registrations()
	if len(got) != 3 || got[0].Name != "postgres" || got[2].Name != "rabbitmq" {
		t.Fatalf("registrations = %+v", got)
	}
	if _, ok := r.Lookup("redis"); !ok {
		t.Fatal("Lookup(redis) not found")
	}
	if _, ok := r.Lookup("mysql"); ok {
		t.Fatal("Lookup(mysql) should miss")
	}
}

func TestRegistry_NewRegistrationOptions(t *testing.T) {
	reg := NewRegistration("rabbitmq", fixed(Healthy("")),
		WithName("broker"),
		WithFailureStatus(StatusDegraded),
		WithTimeout(time.Second),
		WithTags("messaging"),
		nil,
	)
	if reg.Name != "broker" || reg.FailureStatus != StatusDegraded || reg.Timeout != time.Second {
		t.Fatalf("registration = %+v", reg)
	}
	if !reg.HasTag("messaging") || reg.HasTag("db") {
		t.Fatalf("tags = %v", reg.Tags)
	}
}

func TestRegistry_CheckUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Check(context.Background(), "nope"); !errors.Is(err, ErrUnknownCheck) {
		t.Fatalf("err = %v, want ErrUnknownCheck", err)
	}
}

func TestRegistry_FactoryCalledOnceOnSuccess(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "db", Factory: func(context.Context) (Checker, error) {
		calls.Add(1)
		return CheckerFunc(func(context.Context) Result { return Healthy("") }), nil
	}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Check(context.Background(), "db")
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("factory calls = %d, want 1", calls.Load())
	}
}

func TestRegistry_FactoryErrorIsUnhealthyAndRetried(t *testing.T) {
	var calls int
	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "db", Factory: func(context.Context) (Checker, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dsn missing")
		}
		return CheckerFunc(func(context.Context) Result { return Healthy("") }), nil
	}})

	res, err := r.Check(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusUnhealthy || res.Err == nil {
		t.Fatalf("first run = %+v, want unhealthy with error", res)
	}

	res, _ = r.Check(context.Background(), "db")
	if res.Status != StatusHealthy {
		t.Fatalf("second run = %v, want Healthy", res.Status)
	}
}

func TestRegistry_FailureStatusRemapsUnhealthyOnly(t *testing.T) {
	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "down", Factory: fixed(Unhealthy("down", nil)), FailureStatus: StatusDegraded})
	mustAdd(t, r, Registration{Name: "up", Factory: fixed(Healthy("")), FailureStatus: StatusDegraded})
	mustAdd(t, r, Registration{Name: "default", Factory: fixed(Unhealthy("down", nil))})

	check := func(name string, want Status) {
		t.Helper()
		res, err := r.Check(context.Background(), name)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != want {
			t.Fatalf("%s: status = %v, want %v", name, res.Status, want)
		}
	}
	check("down", StatusDegraded)
	check("up", StatusHealthy)
	check("default", StatusUnhealthy)
}

func TestRegistry_TimeoutReachesChecker(t *testing.T) {
	r := NewRegistry(WithDefaultTimeout(time.Hour))
	mustAdd(t, r, Registration{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Factory: Static(CheckerFunc(func(ctx context.Context) Result {
			<-ctx.Done()
			return Unhealthy("", NewFault(FaultCancellation, "connect", ctx.Err()))
		})),
	})

	start := time.Now()
	res, _ := r.Check(context.Background(), "slow")
	if time.Since(start) > 5*time.Second {
		t.Fatal("registration timeout was not applied")
	}
	if res.Fault() != FaultCancellation {
		t.Fatalf("fault = %v, want cancellation", res.Fault())
	}
}

func TestRegistry_PanicIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "bad", Factory: Static(CheckerFunc(func(context.Context) Result {
		panic("boom")
	}))})
	res, _ := r.Check(context.Background(), "bad")
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %v, want Unhealthy", res.Status)
	}
}

func TestRegistry_Observer(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]Status{}
	r := NewRegistry(WithObserver(func(name string, res Result) {
		mu.Lock()
		defer mu.Unlock()
		seen[name] = res.Status
	}))
	mustAdd(t, r, Registration{Name: "a", Factory: fixed(Healthy(""))})
	mustAdd(t, r, Registration{Name: "b", Factory: fixed(Degraded("slow", nil))})

	r.CheckAll(context.Background())
	if seen["a"] != StatusHealthy || seen["b"] != StatusDegraded {
		t.Fatalf("observed = %v", seen)
	}
}

func TestRegistry_CheckerLogsCarryRegistrationName(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{Writer: &buf, JsonFormat: true, Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	ctx := log.WithContext(context.Background(), L)

	r := NewRegistry()
	mustAdd(t, r, NewRegistration("postgres", Static(CheckerFunc(func(ctx context.Context) Result {
		log.FromContext(ctx).Warn(ctx, "release dependency session")
		return Healthy("")
	})), WithName("orders-db")))

	if _, err := r.Check(ctx, "orders-db"); err != nil {
		t.Fatalf("Check: %v", err)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"msg":"release dependency session"`) {
			found = true
			if !strings.Contains(line, `"check":"orders-db"`) {
				t.Fatalf("checker log line lacks registration name: %s", line)
			}
		}
	}
	if !found {
		t.Fatalf("checker log line missing:\n%s", buf.String())
	}
}

func TestRegistry_CheckAll(t *testing.T) {
	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "postgres", Factory: fixed(Healthy("")), Tags: []string{"db"}})
	mustAdd(t, r, Registration{Name: "redis", Factory: fixed(Degraded("slow", nil)), Tags: []string{"cache"}})
	mustAdd(t, r, Registration{Name: "rabbitmq", Factory: fixed(Unhealthy("", NewFault(FaultConnection, "connect", errors.New("refused"))))})

	rep := r.CheckAll(context.Background())
	if rep.ID == "" {
		t.Fatal("report should have an id")
	}
	if rep.Status != StatusUnhealthy {
		t.Fatalf("status = %v, want Unhealthy", rep.Status)
	}
	if len(rep.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(rep.Entries))
	}
	e := rep.Entries["rabbitmq"]
	if e.Fault != "connection" || e.Error != "connect: refused" {
		t.Fatalf("rabbitmq entry = %+v", e)
	}
	if rep.Entries["postgres"].Fault != "" {
		t.Fatal("healthy entry should have no fault")
	}

	rep = r.CheckAll(context.Background(), ByTag("db"))
	if rep.Status != StatusHealthy || len(rep.Entries) != 1 {
		t.Fatalf("tag filtered report = %+v", rep)
	}

	rep = r.CheckAll(context.Background(), ByName("redis", "rabbitmq"), ByTag("cache"))
	if _, ok := rep.Entries["redis"]; !ok || len(rep.Entries) != 1 {
		t.Fatalf("name+tag filtered report = %+v", rep)
	}
}

func TestRegistry_CheckAllRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocking := Static(CheckerFunc(func(context.Context) Result {
		started.Done()
		<-release
		return Healthy("")
	}))
	mustAdd(t, r, Registration{Name: "a", Factory: blocking})
	mustAdd(t, r, Registration{Name: "b", Factory: blocking})

	done := make(chan Report)
	go func() { done <- r.CheckAll(context.Background()) }()

	started.Wait()
	close(release)
	if rep := <-done; rep.Status != StatusHealthy {
		t.Fatalf("status = %v", rep.Status)
	}
}

func TestRegistry_EmptyReportIsHealthy(t *testing.T) {
	rep := NewRegistry().CheckAll(context.Background())
	if rep.Status != StatusHealthy || len(rep.Entries) != 0 {
		t.Fatalf("empty report = %+v", rep)
	}
}

func TestRegistry_Close(t *testing.T) {
	a := &closingChecker{res: Healthy("")}
	b := &closingChecker{res: Healthy(""), err: errors.New("close failed")}
	unbuilt := &closingChecker{res: Healthy("")}

	r := NewRegistry()
	mustAdd(t, r, Registration{Name: "a", Factory: Static(a)})
	mustAdd(t, r, Registration{Name: "b", Factory: Static(b)})
	mustAdd(t, r, Registration{Name: "never-run", Factory: Static(unbuilt)})

	r.CheckAll(context.Background(), func(reg Registration) bool { return reg.Name != "never-run" })

	err := r.Close()
	if err == nil || !errors.Is(err, b.err) {
		t.Fatalf("Close err = %v, want close failed", err)
	}
	if a.closed.Load() != 1 || b.closed.Load() != 1 {
		t.Fatalf("close counts a=%d b=%d", a.closed.Load(), b.closed.Load())
	}
	if unbuilt.closed.Load() != 0 {
		t.Fatal("unbuilt checker should not be closed")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if a.closed.Load() != 1 {
		t.Fatal("second Close closed checkers again")
	}

	res, _ := r.Check(context.Background(), "never-run")
	if res.Fault() != FaultDisposed {
		t.Fatalf("fault after close = %v, want disposed", res.Fault())
	}
	if err := r.Add(Registration{Name: "late", Factory: fixed(Healthy(""))}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Add after Close err = %v, want ErrDisposed", err)
	}
}
