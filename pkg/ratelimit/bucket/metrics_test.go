package bucket

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/tokenflow/internal/testutil"
	"github.com/vnykmshr/tokenflow/pkg/metrics"
)

func newInstrumented(t *testing.T, name string) (*MetricsLimiter, *prometheus.Registry, *testutil.MockClock) {
	t.Helper()
	clock := testutil.NewMockClock(epoch)
	reg := prometheus.NewRegistry()
	ml := NewWithConfigAndMetrics(Config{
		Rate:          10,
		Burst:         2,
		InitialTokens: -1,
		Clock:         clock,
	}, name, metrics.Config{Enabled: true, Registry: reg})
	return ml, reg, clock
}

func TestMetricsLimiterCountsTokens(t *testing.T) {
	ml, _, _ := newInstrumented(t, "api")
	m := ml.registry.Load()

	ml.Allow()
	ml.Allow()
	ml.Allow() // denied
	ml.ReserveN(1.5, time.Second)

	testutil.AssertInDelta(t, promtestutil.ToFloat64(m.RateLimitRequests.WithLabelValues(limiterType, "api")), 4.5, 1e-9)
	testutil.AssertInDelta(t, promtestutil.ToFloat64(m.RateLimitAllowed.WithLabelValues(limiterType, "api")), 3.5, 1e-9)
	testutil.AssertInDelta(t, promtestutil.ToFloat64(m.RateLimitDenied.WithLabelValues(limiterType, "api")), 1, 1e-9)
	testutil.AssertInDelta(t, promtestutil.ToFloat64(m.RateLimitTokens.WithLabelValues(limiterType, "api")), -1.5, 1e-9)
}

func TestMetricsLimiterIgnoresInvalidCounts(t *testing.T) {
	ml, _, _ := newInstrumented(t, "api")
	m := ml.registry.Load()

	if ml.ReserveN(-1, 0).OK() {
		t.Fatal("negative reservation should be refused")
	}
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.RateLimitRequests.WithLabelValues(limiterType, "api")), 0.0)
}

func TestMetricsLimiterWaitObservesHistogram(t *testing.T) {
	ml, reg, clock := newInstrumented(t, "waiter")

	for i := 0; i < 3; i++ {
		if !ml.Wait(time.Second) {
			t.Fatalf("wait %d refused", i)
		}
	}
	// Only the third wait had to sleep.
	testutil.AssertEqual(t, len(clock.Sleeps()), 1)

	count, err := promtestutil.GatherAndCount(reg, "tokenflow_ratelimit_wait_duration_seconds")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, 1)
}

func TestMetricsLimiterWaitUsesLimiterClock(t *testing.T) {
	ml, reg, clock := newInstrumented(t, "clocked")

	for i := 0; i < 3; i++ {
		ml.Wait(time.Second)
	}
	// The mock clock advanced 100ms for the third wait; no real time passed.
	testutil.AssertEqual(t, clock.Sleeps()[0], 100*time.Millisecond)

	families, err := reg.Gather()
	testutil.AssertNoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() == "tokenflow_ratelimit_wait_duration_seconds" {
			sum = mf.GetMetric()[0].GetHistogram().GetSampleSum()
		}
	}
	testutil.AssertInDelta(t, sum, 0.1, 1e-9)
}

func TestMetricsLimiterDisable(t *testing.T) {
	ml, _, _ := newInstrumented(t, "toggle")
	m := ml.registry.Load()

	ml.DisableMetrics()
	if ml.MetricsEnabled() {
		t.Fatal("metrics should be disabled")
	}
	ml.Allow()
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.RateLimitRequests.WithLabelValues(limiterType, "toggle")), 0.0)

	testutil.AssertNoError(t, ml.EnableMetrics(metrics.Config{Enabled: true}))
	ml.Allow()
	// Re-enabling without a registry keeps the one already bound.
	if ml.registry.Load() != m {
		t.Fatal("EnableMetrics without a registry should keep the existing one")
	}
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.RateLimitRequests.WithLabelValues(limiterType, "toggle")), 1.0)
}

func TestMetricsLimiterReconfigurationGauges(t *testing.T) {
	ml, _, _ := newInstrumented(t, "cfg")
	m := ml.registry.Load()

	testutil.AssertEqual(t, promtestutil.ToFloat64(m.ConfiguredRate.WithLabelValues("cfg")), 10.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.ConfiguredBurst.WithLabelValues("cfg")), 2.0)

	if !ml.SetBurst(7) {
		t.Fatal("SetBurst(7) should be accepted")
	}
	if ml.SetBurst(-1) {
		t.Fatal("SetBurst(-1) should be rejected")
	}
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.ConfiguredBurst.WithLabelValues("cfg")), 7.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.Reconfigurations.WithLabelValues("cfg", "burst", "accepted")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.Reconfigurations.WithLabelValues("cfg", "burst", "rejected")), 1.0)
}

func TestMetricsLimiterSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := metrics.Config{Enabled: true, Registry: reg}

	a := NewWithConfigAndMetrics(Config{Rate: 1, Burst: 1, InitialTokens: -1}, "a", cfg)
	b := NewWithConfigAndMetrics(Config{Rate: 1, Burst: 1, InitialTokens: -1}, "b", cfg)
	a.Allow()
	b.Allow()

	count, err := promtestutil.GatherAndCount(reg, "tokenflow_ratelimit_requests_total")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, count, 2)
}

func TestInstrumentGeneratesName(t *testing.T) {
	ml := Instrument(New(1, 1), "", metrics.Config{Enabled: true, Registry: prometheus.NewRegistry()})
	if ml.Name() == "" {
		t.Fatal("Instrument should assign a name")
	}
	if ml.Unwrap() == nil {
		t.Fatal("Unwrap should return the wrapped limiter")
	}

	var _ Limiter = ml
}
