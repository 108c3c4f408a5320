package bucket

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vnykmshr/tokenflow/pkg/clock"
	"github.com/vnykmshr/tokenflow/pkg/metrics"
)

const limiterType = "token_bucket"

// MetricsLimiter wraps a Limiter with Prometheus metrics collection.
type MetricsLimiter struct {
	limiter  Limiter
	name     string
	clock    clock.Clock
	registry atomic.Pointer[metrics.Registry]
	enabled  atomic.Bool
}

var _ metrics.Instrumentable = (*MetricsLimiter)(nil)

// NewWithMetrics creates a new token bucket limiter with metrics enabled.
// Each call uses its own Prometheus registry so instances never collide.
func NewWithMetrics(rate Limit, burst float64, name string) *MetricsLimiter {
	metricsConfig, _ := metrics.Isolated()
	return NewWithConfigAndMetrics(Config{
		Rate:  rate,
		Burst: burst,
	}, name, metricsConfig)
}

// NewWithConfigAndMetrics creates a new token bucket limiter with custom config and metrics.
func NewWithConfigAndMetrics(config Config, name string, metricsConfig metrics.Config) *MetricsLimiter {
	return Instrument(NewWithConfig(config), name, metricsConfig)
}

// Instrument wraps an existing limiter. An empty name is replaced by a
// random UUID so label values stay unique.
func Instrument(limiter Limiter, name string, metricsConfig metrics.Config) *MetricsLimiter {
	if name == "" {
		name = uuid.NewString()
	}
	ml := &MetricsLimiter{
		limiter: limiter,
		name:    name,
		clock:   clock.System{},
	}
	// Wait times are measured on the wrapped limiter's clock when it has one.
	if tc, ok := limiter.(interface{ timeSource() clock.Clock }); ok {
		ml.clock = tc.timeSource()
	}
	_ = ml.EnableMetrics(metricsConfig)
	return ml
}

// Name returns the limiter_name label value.
func (ml *MetricsLimiter) Name() string {
	return ml.name
}

// Unwrap returns the instrumented limiter.
func (ml *MetricsLimiter) Unwrap() Limiter {
	return ml.limiter
}

func (ml *MetricsLimiter) active() *metrics.Registry {
	if !ml.enabled.Load() {
		return nil
	}
	return ml.registry.Load()
}

func (ml *MetricsLimiter) record(reg *metrics.Registry, n float64, granted bool) {
	reg.RateLimitRequests.WithLabelValues(limiterType, ml.name).Add(n)
	if granted {
		reg.RateLimitAllowed.WithLabelValues(limiterType, ml.name).Add(n)
	} else {
		reg.RateLimitDenied.WithLabelValues(limiterType, ml.name).Add(n)
	}
	reg.RateLimitTokens.WithLabelValues(limiterType, ml.name).Set(ml.limiter.Tokens())
}

// Allow reports whether one token is available now.
func (ml *MetricsLimiter) Allow() bool {
	return ml.AllowN(1)
}

// AllowN reports whether n tokens are available now.
func (ml *MetricsLimiter) AllowN(n float64) bool {
	allowed := ml.limiter.AllowN(n)
	if reg := ml.active(); reg != nil && n >= 0 {
		ml.record(reg, n, allowed)
	}
	return allowed
}

// Reserve returns a reservation for one token.
func (ml *MetricsLimiter) Reserve(maxWait time.Duration) Reservation {
	return ml.ReserveN(1, maxWait)
}

// ReserveN returns a reservation for n tokens.
func (ml *MetricsLimiter) ReserveN(n float64, maxWait time.Duration) Reservation {
	r := ml.limiter.ReserveN(n, maxWait)
	if reg := ml.active(); reg != nil && n >= 0 {
		ml.record(reg, n, r.OK())
	}
	return r
}

// Wait blocks until one token is available.
func (ml *MetricsLimiter) Wait(maxWait time.Duration) bool {
	return ml.WaitN(1, maxWait)
}

// WaitN blocks until n tokens are available and observes the time spent.
func (ml *MetricsLimiter) WaitN(n float64, maxWait time.Duration) bool {
	start := ml.clock.Now()
	ok := ml.limiter.WaitN(n, maxWait)

	if reg := ml.active(); reg != nil && n >= 0 {
		if ok {
			reg.RateLimitWaitTime.WithLabelValues(limiterType, ml.name).Observe(ml.clock.Now().Sub(start).Seconds())
		}
		ml.record(reg, n, ok)
	}
	return ok
}

// SetLimit changes the rate limit.
func (ml *MetricsLimiter) SetLimit(limit Limit) bool {
	ok := ml.limiter.SetLimit(limit)
	if reg := ml.active(); reg != nil {
		reg.Reconfigurations.WithLabelValues(ml.name, "rate", outcome(ok)).Inc()
		reg.ConfiguredRate.WithLabelValues(ml.name).Set(float64(ml.limiter.Limit()))
	}
	return ok
}

// SetBurst changes the burst size.
func (ml *MetricsLimiter) SetBurst(burst float64) bool {
	ok := ml.limiter.SetBurst(burst)
	if reg := ml.active(); reg != nil {
		reg.Reconfigurations.WithLabelValues(ml.name, "burst", outcome(ok)).Inc()
		reg.ConfiguredBurst.WithLabelValues(ml.name).Set(ml.limiter.Burst())
	}
	return ok
}

// Limit returns the current rate limit.
func (ml *MetricsLimiter) Limit() Limit {
	return ml.limiter.Limit()
}

// Burst returns the current burst size.
func (ml *MetricsLimiter) Burst() float64 {
	return ml.limiter.Burst()
}

// Tokens returns the number of tokens currently available.
func (ml *MetricsLimiter) Tokens() float64 {
	tokens := ml.limiter.Tokens()
	if reg := ml.active(); reg != nil {
		reg.RateLimitTokens.WithLabelValues(limiterType, ml.name).Set(tokens)
	}
	return tokens
}

// LastEvent returns the act instant of the latest granted reservation.
func (ml *MetricsLimiter) LastEvent() time.Time {
	return ml.limiter.LastEvent()
}

// EnableMetrics enables metrics collection.
func (ml *MetricsLimiter) EnableMetrics(config metrics.Config) error {
	// A bare Enabled flag re-enables the registry used before.
	bare := config.Registry == nil && config.Namespace == "" && config.Labels == nil
	switch {
	case !bare:
		ml.registry.Store(metrics.New(config))
	case ml.registry.Load() == nil:
		ml.registry.Store(metrics.Default())
	}
	ml.enabled.Store(config.Enabled)

	if reg := ml.active(); reg != nil {
		reg.ConfiguredRate.WithLabelValues(ml.name).Set(float64(ml.limiter.Limit()))
		reg.ConfiguredBurst.WithLabelValues(ml.name).Set(ml.limiter.Burst())
	}
	return nil
}

// DisableMetrics disables metrics collection.
func (ml *MetricsLimiter) DisableMetrics() {
	ml.enabled.Store(false)
}

// MetricsEnabled returns true if metrics are currently enabled.
func (ml *MetricsLimiter) MetricsEnabled() bool {
	return ml.enabled.Load()
}

func outcome(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}
