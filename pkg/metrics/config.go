package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric unless Config.Namespace overrides it.
const DefaultNamespace = "tokenflow"

// Config selects where a limiter, keyed registry or schedule reports.
// The zero value reports nothing.
type Config struct {
	Enabled bool

	// Registry receives the collectors. Nil means prometheus.DefaultRegisterer,
	// the one promhttp.Handler serves. Components sharing a registerer share
	// collectors and are told apart by their name label.
	Registry prometheus.Registerer

	// Namespace prefixes metric names. Empty means DefaultNamespace.
	Namespace string

	// Labels are attached to every series, e.g. {"env": "prod"}.
	Labels prometheus.Labels
}

// DefaultConfig reports to the process-wide registerer.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: DefaultNamespace,
	}
}

// Isolated reports to a registry of its own, so the series never mix with
// those of other components. The registry is returned for gathering.
func Isolated() (Config, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return Config{Enabled: true, Registry: reg}, reg
}

func (c Config) registerer() prometheus.Registerer {
	if c.Registry == nil {
		return prometheus.DefaultRegisterer
	}
	return c.Registry
}

func (c Config) namespace() string {
	if c.Namespace == "" {
		return DefaultNamespace
	}
	return c.Namespace
}

// Instrumentable is implemented by components whose metrics can be switched
// on and off while they run.
type Instrumentable interface {
	EnableMetrics(config Config) error
	DisableMetrics()
	MetricsEnabled() bool
}
