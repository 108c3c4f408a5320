package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metric instances for tokenflow components.
type Registry struct {
	// Admission
	RateLimitRequests *prometheus.CounterVec
	RateLimitAllowed  *prometheus.CounterVec
	RateLimitDenied   *prometheus.CounterVec
	RateLimitWaitTime *prometheus.HistogramVec
	RateLimitTokens   *prometheus.GaugeVec

	// Reconfiguration
	Reconfigurations *prometheus.CounterVec
	ConfiguredRate   *prometheus.GaugeVec
	ConfiguredBurst  *prometheus.GaugeVec

	// Scheduled changes
	ScheduleRuns *prometheus.CounterVec

	// Keyed registries
	KeyedLimiters *prometheus.GaugeVec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry bound to prometheus.DefaultRegisterer.
// It is created on first use so importing this package registers nothing.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return New(Config{Registry: reg})
}

// New creates a registry from cfg. An empty namespace falls back to
// DefaultNamespace and a nil registerer to prometheus.DefaultRegisterer.
// Calling New repeatedly with the same registerer reuses the collectors
// registered the first time, so many limiters can share one registerer.
func New(cfg Config) *Registry {
	reg, ns := cfg.registerer(), cfg.namespace()
	limiterLabels := []string{"limiter_type", "limiter_name"}

	return &Registry{
		RateLimitRequests: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "requests_total",
				Help:        "Total number of tokens requested",
				ConstLabels: cfg.Labels,
			},
			limiterLabels,
		)),

		RateLimitAllowed: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "allowed_total",
				Help:        "Total number of tokens granted",
				ConstLabels: cfg.Labels,
			},
			limiterLabels,
		)),

		RateLimitDenied: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "denied_total",
				Help:        "Total number of tokens refused",
				ConstLabels: cfg.Labels,
			},
			limiterLabels,
		)),

		RateLimitWaitTime: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "wait_duration_seconds",
				Help:        "Delay between admission and the instant the caller may act",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: cfg.Labels,
			},
			limiterLabels,
		)),

		RateLimitTokens: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "tokens_available",
				Help:        "Token balance after the last operation, negative while in debt",
				ConstLabels: cfg.Labels,
			},
			limiterLabels,
		)),

		Reconfigurations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "reconfigurations_total",
				Help:        "Rate and burst changes by outcome",
				ConstLabels: cfg.Labels,
			},
			[]string{"limiter_name", "parameter", "outcome"},
		)),

		ConfiguredRate: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "rate_tokens_per_second",
				Help:        "Currently configured refill rate",
				ConstLabels: cfg.Labels,
			},
			[]string{"limiter_name"},
		)),

		ConfiguredBurst: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "burst_tokens",
				Help:        "Currently configured bucket capacity",
				ConstLabels: cfg.Labels,
			},
			[]string{"limiter_name"},
		)),

		ScheduleRuns: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "reconfig",
				Name:        "runs_total",
				Help:        "Scheduled reconfiguration runs by outcome",
				ConstLabels: cfg.Labels,
			},
			[]string{"schedule_id", "outcome"},
		)),

		KeyedLimiters: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "keyed",
				Name:        "limiters",
				Help:        "Number of live per-key limiters",
				ConstLabels: cfg.Labels,
			},
			[]string{"registry_name"},
		)),
	}
}

// register adds c to reg, returning the already registered collector when
// an identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
