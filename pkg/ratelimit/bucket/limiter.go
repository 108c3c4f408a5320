package bucket

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/tokenflow/pkg/clock"
	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
)

// Limit represents the number of tokens added to the bucket per second.
// Use Inf for unlimited rates.
type Limit float64

// Inf is the infinite rate limit; every request up to the burst is admitted immediately.
var Inf = Limit(math.Inf(1))

// Epsilon is the tolerance used when deciding whether a float is effectively zero.
const Epsilon = 1e-10

// MinLimit is the rate a limiter is clamped to when constructed with a
// non-positive or near-zero rate. It is the smallest normal float64, so a
// clamped limiter effectively never refills: it keeps granting from its
// existing balance and refuses anything that would need new tokens.
const MinLimit Limit = 0x1p-1022

// maxDuration is the longest delay a reservation can report.
const maxDuration = time.Duration(math.MaxInt64)

// Every converts a minimum time interval between events to a Limit.
func Every(interval time.Duration) Limit {
	if interval <= 0 {
		return Inf
	}
	return Limit(time.Second) / Limit(interval)
}

// Valid reports whether l is accepted by SetLimit: positive, not NaN and
// not within Epsilon of zero.
func (l Limit) Valid() bool {
	return l > 0 && !math.IsNaN(float64(l)) && math.Abs(float64(l)) >= Epsilon
}

// clamp returns l, or MinLimit when l is not a usable rate.
func (l Limit) clamp() Limit {
	if !l.Valid() {
		return MinLimit
	}
	return l
}

// tokensFromDuration returns the tokens accrued at rate l over d.
func (l Limit) tokensFromDuration(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds() * float64(l)
}

// durationFromTokens returns how long rate l takes to accrue tokens.
// The result is rounded up so that a positive deficit never maps to zero,
// and saturates at maxDuration instead of overflowing.
func (l Limit) durationFromTokens(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	if l == Inf {
		return 0
	}
	ns := math.Ceil(tokens / float64(l) * float64(time.Second))
	if math.IsInf(ns, 0) || math.IsNaN(ns) || ns >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(ns)
}

// Limiter gates how fast callers proceed using a token bucket. Tokens
// accrue at Limit() per second up to Burst(); callers debit them before
// acting. All methods are safe for concurrent use.
type Limiter interface {
	// Allow reports whether one token is available now. It does not block.
	Allow() bool

	// AllowN reports whether n tokens are available now. It does not block.
	AllowN(n float64) bool

	// Reserve reserves one token, see ReserveN.
	Reserve(maxWait time.Duration) Reservation

	// ReserveN debits n tokens if they can be available within maxWait and
	// reports the instant the caller may act. A refused reservation leaves
	// the balance untouched.
	ReserveN(n float64, maxWait time.Duration) Reservation

	// Wait blocks until one token is available, see WaitN.
	Wait(maxWait time.Duration) bool

	// WaitN reserves n tokens and sleeps until the reservation's act
	// instant. It returns false without sleeping when the reservation is
	// refused. A granted wait cannot be cancelled.
	WaitN(n float64, maxWait time.Duration) bool

	// SetLimit changes the refill rate. Non-positive or near-zero rates are
	// rejected and leave the limiter unchanged.
	SetLimit(limit Limit) bool

	// SetBurst changes the bucket capacity. Negative values are rejected.
	SetBurst(burst float64) bool

	// Limit returns the current refill rate.
	Limit() Limit

	// Burst returns the current bucket capacity.
	Burst() float64

	// Tokens returns the reconciled balance. It is negative while granted
	// reservations are still waiting for their act instant.
	Tokens() float64

	// LastEvent returns the act instant of the most recent granted
	// reservation, which may lie in the future.
	LastEvent() time.Time
}

// Reconfigurable is the parameter-changing subset of Limiter. Anything that
// fans a change out to several limiters can implement it as well.
type Reconfigurable interface {
	SetLimit(limit Limit) bool
	SetBurst(burst float64) bool
	Limit() Limit
	Burst() float64
}

var _ Reconfigurable = Limiter(nil)

var (
	// ErrExceedsBurst is reported by reservations for more tokens than the
	// bucket can ever hold. Retrying the same request cannot succeed.
	ErrExceedsBurst = tferrors.NewOperationError("bucket", "ReserveN", tferrors.ErrCapacityExceeded).
			WithContext("request exceeds burst")

	// ErrWaitTooShort is reported when the tokens cannot accrue within the
	// caller's maximum wait. A later retry or a longer wait may succeed.
	ErrWaitTooShort = tferrors.NewOperationError("bucket", "ReserveN", tferrors.ErrRateLimited).
			WithContext("tokens not available within max wait")

	// ErrInvalidTokens is reported for negative or NaN token counts.
	ErrInvalidTokens = tferrors.NewValidationError("bucket", "n", "negative or NaN", "must be a non-negative number")
)

// Reservation is the outcome of an admission check. It is an immutable
// value: reconfiguring the limiter afterwards never changes it.
type Reservation struct {
	ok        bool
	tokens    float64
	timeToAct time.Time
	err       error
	clock     clock.Clock
}

// OK reports whether the reservation was granted.
func (r Reservation) OK() bool {
	return r.ok
}

// Tokens returns the number of tokens that were requested.
func (r Reservation) Tokens() float64 {
	return r.tokens
}

// TimeToAct returns the instant at which the caller may proceed. For a
// refused reservation it is the instant the decision was made.
func (r Reservation) TimeToAct() time.Time {
	return r.timeToAct
}

// Delay returns the time until the reservation should act, measured on
// the clock of the limiter that issued it. If the reservation is not OK,
// Delay returns zero.
func (r Reservation) Delay() time.Duration {
	if r.clock == nil {
		return r.DelayFrom(time.Now())
	}
	return r.DelayFrom(r.clock.Now())
}

// DelayFrom returns the time until the reservation should act,
// measured from the given time.
func (r Reservation) DelayFrom(now time.Time) time.Duration {
	if !r.ok {
		return 0
	}
	delay := r.timeToAct.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// Err explains a refusal: ErrExceedsBurst (permanent), ErrWaitTooShort
// (retryable) or ErrInvalidTokens. It is nil for granted reservations.
func (r Reservation) Err() error {
	return r.err
}

// Config holds configuration options for creating a new Limiter.
type Config struct {
	// Rate is the number of tokens added per second. Values that are not
	// positive are clamped to MinLimit.
	Rate Limit

	// Burst is the maximum number of tokens that can be stored. Negative
	// values are clamped to 0.
	Burst float64

	// InitialTokens is the balance to start with, capped at Burst.
	// Zero starts empty; a negative value starts with full capacity.
	InitialTokens float64

	// Clock provides the current time. If nil, clock.System is used.
	Clock clock.Clock

	// Logger receives reconfiguration and clock-regression events.
	// If nil, logging is disabled.
	Logger *zap.Logger
}

// tokenBucket implements the Limiter interface using a token bucket algorithm.
type tokenBucket struct {
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	limit      Limit
	burst      float64
	tokens     float64
	lastUpdate time.Time
	lastEvent  time.Time
}

// New creates a limiter refilling at rate tokens per second up to burst,
// starting with an empty bucket. Construction never fails: invalid values
// are clamped as described on Config.
func New(rate Limit, burst float64) Limiter {
	return NewWithConfig(Config{
		Rate:  rate,
		Burst: burst,
	})
}

// NewWithConfig creates a limiter from config, clamping invalid values.
func NewWithConfig(config Config) Limiter {
	return newTokenBucket(config)
}

func newTokenBucket(config Config) *tokenBucket {
	if config.Clock == nil {
		config.Clock = clock.System{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	burst := config.Burst
	if burst < 0 || math.IsNaN(burst) {
		burst = 0
	}

	limit := config.Rate.clamp()

	tokens := config.InitialTokens
	switch {
	case math.IsNaN(tokens):
		tokens = 0
	case tokens < 0 || tokens > burst:
		tokens = burst
	}

	now := config.Clock.Now()
	return &tokenBucket{
		clock:      config.Clock,
		logger:     config.Logger,
		limit:      limit,
		burst:      burst,
		tokens:     tokens,
		lastUpdate: now,
		lastEvent:  now,
	}
}
