package keyed

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/vnykmshr/tokenflow/pkg/metrics"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

const (
	// DefaultTTL is how long an unused key keeps its limiter.
	DefaultTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often expired limiters are dropped.
	DefaultCleanupInterval = time.Minute
)

// Config holds configuration options for creating a Registry.
type Config struct {
	// Limiter is the template every per-key limiter is built from. Its
	// Clock and Logger are shared by all of them.
	Limiter bucket.Config

	// TTL evicts a key's limiter once it has not been used for this long.
	// Zero means DefaultTTL; a negative value keeps limiters forever.
	TTL time.Duration

	// CleanupInterval is the eviction sweep period. Zero means
	// DefaultCleanupInterval.
	CleanupInterval time.Duration

	// Name labels the registry's metrics. If empty, a random UUID is used.
	Name string

	// Metrics controls the live-limiter gauge. Disabled by default.
	Metrics metrics.Config

	// Logger receives creation and eviction events. If nil, logging is disabled.
	Logger *zap.Logger
}

// Registry hands out one token bucket per key, created on first use from a
// shared template. A limiter idle for longer than the TTL is evicted and a
// later request for the key starts from a fresh bucket.
//
// SetLimit and SetBurst reach every live limiter and every limiter created
// afterwards. All methods are safe for concurrent use.
type Registry struct {
	name    string
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Registry
	items   *cache.Cache

	mu       sync.Mutex // guards template and limiter creation
	template bucket.Config
}

var _ bucket.Reconfigurable = (*Registry)(nil)

// New creates a Registry.
func New(config Config) *Registry {
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.Name == "" {
		config.Name = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	// Store the clamped parameters so Limit and Burst report what new
	// limiters will actually use.
	clamped := bucket.NewWithConfig(config.Limiter)
	config.Limiter.Rate = clamped.Limit()
	config.Limiter.Burst = clamped.Burst()

	ttl := config.TTL
	if ttl < 0 {
		ttl = cache.NoExpiration
	}

	r := &Registry{
		name:     config.Name,
		ttl:      ttl,
		logger:   config.Logger.With(zap.String("registry", config.Name)),
		items:    cache.New(ttl, config.CleanupInterval),
		template: config.Limiter,
	}
	if config.Metrics.Enabled {
		r.metrics = metrics.New(config.Metrics)
	}

	r.items.OnEvicted(func(key string, _ interface{}) {
		r.logger.Debug("limiter evicted", zap.String("key", key))
		r.observe()
	})
	return r
}

// Name returns the registry_name label value.
func (r *Registry) Name() string {
	return r.name
}

// Get returns the limiter for key, creating it if needed. Each call counts
// as use and pushes the key's eviction back by a full TTL.
func (r *Registry) Get(key string) bucket.Limiter {
	if l, ok := r.touch(key); ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.touch(key); ok {
		return l
	}

	limiter := bucket.NewWithConfig(r.template)
	r.items.Set(key, limiter, r.ttl)
	r.logger.Debug("limiter created",
		zap.String("key", key),
		zap.Float64("rate", float64(limiter.Limit())),
		zap.Float64("burst", limiter.Burst()))
	r.observe()
	return limiter
}

// touch refreshes key's TTL. Replace fails once the key is gone, so a
// limiter dropped by Delete or expiry is never put back.
func (r *Registry) touch(key string) (bucket.Limiter, bool) {
	v, found := r.items.Get(key)
	if !found {
		return nil, false
	}
	if err := r.items.Replace(key, v, r.ttl); err != nil {
		return nil, false
	}
	return v.(bucket.Limiter), true
}

// AllowN reports whether n tokens are available now for key.
func (r *Registry) AllowN(key string, n float64) bool {
	return r.Get(key).AllowN(n)
}

// ReserveN reserves n tokens from key's limiter, see bucket.Limiter.
func (r *Registry) ReserveN(key string, n float64, maxWait time.Duration) bucket.Reservation {
	return r.Get(key).ReserveN(n, maxWait)
}

// WaitN blocks on key's limiter, see bucket.Limiter.
func (r *Registry) WaitN(key string, n float64, maxWait time.Duration) bool {
	return r.Get(key).WaitN(n, maxWait)
}

// SetLimit changes the rate of every live limiter and of those created
// later. Invalid rates are rejected and change nothing.
func (r *Registry) SetLimit(limit bucket.Limit) bool {
	if !limit.Valid() {
		r.logger.Debug("rejected rate change", zap.Float64("rate", float64(limit)))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.template.Rate = limit
	for _, item := range r.items.Items() {
		item.Object.(bucket.Limiter).SetLimit(limit)
	}
	r.logger.Info("rate changed", zap.Float64("to", float64(limit)), zap.Int("live", r.items.ItemCount()))
	return true
}

// SetBurst changes the burst of every live limiter and of those created
// later. Negative or NaN bursts are rejected and change nothing.
func (r *Registry) SetBurst(burst float64) bool {
	if burst < 0 || math.IsNaN(burst) {
		r.logger.Debug("rejected burst change", zap.Float64("burst", burst))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.template.Burst = burst
	for _, item := range r.items.Items() {
		item.Object.(bucket.Limiter).SetBurst(burst)
	}
	r.logger.Info("burst changed", zap.Float64("to", burst), zap.Int("live", r.items.ItemCount()))
	return true
}

// Limit returns the rate new limiters are created with.
func (r *Registry) Limit() bucket.Limit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.template.Rate
}

// Burst returns the burst new limiters are created with.
func (r *Registry) Burst() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.template.Burst
}

// Len returns the number of live limiters. Limiters past their TTL may be
// counted until the next cleanup sweep.
func (r *Registry) Len() int {
	return r.items.ItemCount()
}

// Delete drops key's limiter. The next request for key starts a new bucket.
func (r *Registry) Delete(key string) {
	r.items.Delete(key)
}

// Flush drops every limiter.
func (r *Registry) Flush() {
	r.items.Flush()
	r.observe()
}

func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}
	r.metrics.KeyedLimiters.WithLabelValues(r.name).Set(float64(r.items.ItemCount()))
}
