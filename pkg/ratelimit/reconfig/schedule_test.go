package reconfig

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/tokenflow/internal/testutil"
	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/metrics"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	limiter bucket.Limiter
	clock   *testutil.MockClock
	sched   *Schedule

	mu     sync.Mutex
	errors map[string]error
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:  testutil.NewMockClock(epoch),
		errors: make(map[string]error),
	}
	f.limiter = bucket.NewWithConfig(bucket.Config{Rate: 3, Burst: 5, Clock: f.clock})

	cfg.Clock = f.clock
	cfg.Location = time.UTC
	cfg.OnError = func(id string, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.errors[id] = err
	}
	f.sched = New(f.limiter, cfg)
	return f
}

func (f *fixture) errorFor(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors[id]
}

func TestAfterAppliesOnce(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := f.sched.After("raise", 5*time.Second, SetRate(8))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, id, "raise")

	testutil.AssertEqual(t, f.sched.RunDue(), 0)
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(3))

	f.clock.Advance(5 * time.Second)
	testutil.AssertEqual(t, f.sched.RunDue(), 1)
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(8))

	// One-shots are gone after running.
	testutil.AssertEqual(t, len(f.sched.List()), 0)
	f.clock.Advance(time.Hour)
	testutil.AssertEqual(t, f.sched.RunDue(), 0)
}

func TestScheduledChangeReconcilesAtOldRate(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.sched.After("", time.Second, SetRate(100))
	testutil.AssertNoError(t, err)

	f.clock.Advance(time.Second)
	f.sched.RunDue()

	// One second at the old 3/s, not the new 100/s.
	testutil.AssertInDelta(t, f.limiter.Tokens(), 3, 1e-9)
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(100))
}

func TestCronRecurs(t *testing.T) {
	f := newFixture(t, Config{})

	// Every minute on the minute; epoch is 12:00:00.
	_, err := f.sched.Cron("tick", "* * * * *", SetBurst(7))
	testutil.AssertNoError(t, err)

	entries := f.sched.List()
	testutil.AssertEqual(t, len(entries), 1)
	if !entries[0].Next.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("Next = %v, want %v", entries[0].Next, epoch.Add(time.Minute))
	}

	for i := 1; i <= 3; i++ {
		f.clock.Advance(time.Minute)
		testutil.AssertEqual(t, f.sched.RunDue(), 1)
	}

	entries = f.sched.List()
	testutil.AssertEqual(t, entries[0].Runs, 3)
	testutil.AssertEqual(t, f.limiter.Burst(), 7.0)
}

func TestCronSecondsAndDescriptors(t *testing.T) {
	f := newFixture(t, Config{})

	for _, expr := range []string{"*/10 * * * * *", "0 */5 * * *", "@hourly", "@every 30s"} {
		if _, err := f.sched.Cron("", expr, SetRate(1)); err != nil {
			t.Errorf("Cron(%q) error = %v", expr, err)
		}
	}
	testutil.AssertEqual(t, len(f.sched.List()), 4)
}

func TestCronValidation(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		expr   string
		change Change
	}{
		{"empty expression", "", SetRate(1)},
		{"garbage", "not a cron", SetRate(1)},
		{"too many fields", "* * * * * * *", SetRate(1)},
		{"never fires", "0 0 30 2 *", SetRate(1)},
		{"empty change", "@hourly", Change{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.Cron("", tt.expr, tt.change)
			if !tferrors.IsValidationError(err) {
				t.Errorf("Cron(%q) err = %v, want validation error", tt.expr, err)
			}
		})
	}
	testutil.AssertEqual(t, len(f.sched.List()), 0)
}

func TestAfterValidation(t *testing.T) {
	f := newFixture(t, Config{MaxEntries: 1})

	_, err := f.sched.After("neg", -time.Second, SetRate(1))
	if !tferrors.IsValidationError(err) {
		t.Errorf("negative delay err = %v, want validation error", err)
	}

	_, err = f.sched.After(strings.Repeat("x", 300), time.Second, SetRate(1))
	if !tferrors.IsValidationError(err) {
		t.Errorf("long id err = %v, want validation error", err)
	}

	_, err = f.sched.After("a", time.Second, SetRate(1))
	testutil.AssertNoError(t, err)

	_, err = f.sched.After("a", time.Second, SetRate(1))
	if !tferrors.IsValidationError(err) {
		t.Errorf("duplicate id err = %v, want validation error", err)
	}

	_, err = f.sched.After("b", time.Second, SetRate(1))
	if !errors.Is(err, tferrors.ErrCapacityExceeded) {
		t.Errorf("over capacity err = %v, want ErrCapacityExceeded", err)
	}
}

func TestRejectedChangeReportsError(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.sched.After("bad", 0, SetRate(0).WithBurst(9))
	testutil.AssertNoError(t, err)
	f.sched.RunDue()

	// The valid half still applies.
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(3))
	testutil.AssertEqual(t, f.limiter.Burst(), 9.0)

	err = f.errorFor("bad")
	testutil.AssertError(t, err)
	if !tferrors.IsValidationError(err) {
		t.Errorf("err = %v, want it to wrap a ValidationError", err)
	}
	var opErr *tferrors.OperationError
	if !errors.As(err, &opErr) || opErr.Module != "reconfig" {
		t.Errorf("err = %v, want a reconfig OperationError", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Config{})

	f.sched.After("a", time.Second, SetRate(10))
	f.sched.Cron("b", "@hourly", SetRate(20))

	testutil.AssertEqual(t, f.sched.Cancel("a"), true)
	testutil.AssertEqual(t, f.sched.Cancel("a"), false)

	f.clock.Advance(time.Second)
	testutil.AssertEqual(t, f.sched.RunDue(), 0)
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(3))

	f.sched.CancelAll()
	testutil.AssertEqual(t, len(f.sched.List()), 0)
}

func TestListOrder(t *testing.T) {
	f := newFixture(t, Config{})

	f.sched.After("late", time.Hour, SetRate(1))
	f.sched.After("early", time.Minute, SetRate(1))
	f.sched.Cron("mid", "0 30 12 * * *", SetRate(1))

	var ids []string
	for _, e := range f.sched.List() {
		ids = append(ids, e.ID)
	}
	testutil.AssertEqual(t, strings.Join(ids, ","), "early,mid,late")
}

func TestAppliesInRunOrder(t *testing.T) {
	f := newFixture(t, Config{})

	f.sched.After("second", 2*time.Second, SetRate(20))
	f.sched.After("first", time.Second, SetRate(10))

	f.clock.Advance(time.Minute)
	testutil.AssertEqual(t, f.sched.RunDue(), 2)
	testutil.AssertEqual(t, f.limiter.Limit(), bucket.Limit(20))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 5 * time.Millisecond})

	testutil.AssertNoError(t, f.sched.Start())
	testutil.AssertError(t, f.sched.Start())

	f.sched.After("soon", 0, SetRate(42))
	testutil.Eventually(t, func() bool { return f.limiter.Limit() == 42 }, "change applied by the background loop")

	<-f.sched.Stop()
	<-f.sched.Stop()

	// Restartable after Stop.
	testutil.AssertNoError(t, f.sched.Start())
	<-f.sched.Stop()
}

func TestScheduleRunsMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, Config{Metrics: metrics.Config{Enabled: true, Registry: reg}})

	f.sched.After("ok", 0, SetRate(5))
	f.sched.After("bad", 0, SetBurst(-1))
	f.sched.RunDue()

	m := f.sched.metrics
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.ScheduleRuns.WithLabelValues("ok", "applied")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.ScheduleRuns.WithLabelValues("bad", "rejected")), 1.0)
}

func TestTargetsAnyReconfigurable(t *testing.T) {
	var target bucket.Reconfigurable = bucket.New(1, 1)
	s := New(target, Config{})
	_, err := s.After("", 0, SetRate(2))
	testutil.AssertNoError(t, err)
	s.RunDue()
	testutil.AssertEqual(t, target.Limit(), bucket.Limit(2))
}

func TestChangeString(t *testing.T) {
	testutil.AssertEqual(t, SetRate(2.5).WithBurst(10).String(), "rate=2.5 burst=10")
	testutil.AssertEqual(t, SetBurst(0).String(), "burst=0")
	testutil.AssertEqual(t, Change{}.String(), "no-op")
}
