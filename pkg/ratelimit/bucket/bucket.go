package bucket

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/tokenflow/pkg/clock"
)

// Allow reports whether one token is available now.
func (tb *tokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n tokens are available now.
func (tb *tokenBucket) AllowN(n float64) bool {
	return tb.reserveN(n, 0).ok
}

// Reserve returns a reservation for one token.
func (tb *tokenBucket) Reserve(maxWait time.Duration) Reservation {
	return tb.ReserveN(1, maxWait)
}

// ReserveN returns a reservation for n tokens.
func (tb *tokenBucket) ReserveN(n float64, maxWait time.Duration) Reservation {
	return tb.reserveN(n, maxWait)
}

// Wait blocks until one token is available.
func (tb *tokenBucket) Wait(maxWait time.Duration) bool {
	return tb.WaitN(1, maxWait)
}

// WaitN blocks until n tokens are available. The lock is released before
// sleeping, so other callers keep reserving while this one waits.
func (tb *tokenBucket) WaitN(n float64, maxWait time.Duration) bool {
	r := tb.reserveN(n, maxWait)
	if !r.ok {
		return false
	}
	if delay := r.DelayFrom(tb.clock.Now()); delay > 0 {
		tb.clock.Sleep(delay)
	}
	return true
}

// SetLimit changes the refill rate. Elapsed time is credited at the old
// rate before the new one takes effect.
func (tb *tokenBucket) SetLimit(newLimit Limit) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.advance(tb.clock.Now())
	if !newLimit.Valid() {
		tb.logger.Debug("rejected rate change", zap.Float64("rate", float64(newLimit)))
		return false
	}

	old := tb.limit
	tb.limit = newLimit
	tb.logger.Info("rate changed",
		zap.Float64("from", float64(old)),
		zap.Float64("to", float64(newLimit)),
		zap.Float64("tokens", tb.tokens))
	return true
}

// SetBurst changes the burst size. The balance is capped to the new
// capacity but otherwise left as reconciled under the old one.
func (tb *tokenBucket) SetBurst(newBurst float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.advance(tb.clock.Now())
	if newBurst < 0 || math.IsNaN(newBurst) {
		tb.logger.Debug("rejected burst change", zap.Float64("burst", newBurst))
		return false
	}

	old := tb.burst
	tb.burst = newBurst
	if tb.tokens > newBurst {
		tb.tokens = newBurst
	}
	tb.logger.Info("burst changed",
		zap.Float64("from", old),
		zap.Float64("to", newBurst),
		zap.Float64("tokens", tb.tokens))
	return true
}

// Limit returns the current rate limit.
func (tb *tokenBucket) Limit() Limit {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limit
}

// Burst returns the current burst size.
func (tb *tokenBucket) Burst() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.burst
}

// Tokens returns the number of tokens currently available.
func (tb *tokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.advance(tb.clock.Now())
	return tb.tokens
}

// LastEvent returns the act instant of the latest granted reservation.
func (tb *tokenBucket) LastEvent() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastEvent
}

// reserveN decides admission for n tokens. The clock is read under the
// lock, so reconciliation always sees instants in acquisition order; read
// outside it, two callers could reconcile out of order and credit the same
// interval twice.
func (tb *tokenBucket) reserveN(n float64, maxWait time.Duration) Reservation {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	// Reconciliation is committed even when the request is refused.
	tb.advance(now)

	refuse := func(err error) Reservation {
		return Reservation{tokens: n, timeToAct: now, err: err, clock: tb.clock}
	}
	if n < 0 || math.IsNaN(n) {
		return refuse(ErrInvalidTokens)
	}

	if n > tb.burst {
		return refuse(ErrExceedsBurst)
	}

	if tb.limit == Inf {
		tb.lastEvent = now
		return Reservation{ok: true, tokens: n, timeToAct: now, clock: tb.clock}
	}

	// The tokens accruing within maxWait, plus the current (possibly
	// negative) balance, must cover the request.
	if tb.limit.tokensFromDuration(maxWait)-n < -tb.tokens-Epsilon {
		return refuse(ErrWaitTooShort)
	}

	tb.tokens -= n // Can go negative

	timeToAct := now
	if tb.tokens < 0 {
		timeToAct = now.Add(tb.limit.durationFromTokens(-tb.tokens))
	}
	tb.lastEvent = timeToAct

	return Reservation{ok: true, tokens: n, timeToAct: timeToAct, clock: tb.clock}
}

func (tb *tokenBucket) timeSource() clock.Clock {
	return tb.clock
}

// advance credits the tokens accrued since the last update, capped at the
// burst. It must be called with tb.mu held.
func (tb *tokenBucket) advance(now time.Time) {
	if now.Before(tb.lastUpdate) {
		// Never manufacture tokens from a negative elapsed time.
		tb.logger.Warn("clock regression detected",
			zap.Time("now", now),
			zap.Time("last_update", tb.lastUpdate))
		tb.lastUpdate = now
		return
	}

	if tb.limit == Inf {
		tb.tokens = tb.burst
		tb.lastUpdate = now
		return
	}

	tokens := tb.tokens + tb.limit.tokensFromDuration(now.Sub(tb.lastUpdate))
	if tokens > tb.burst {
		tokens = tb.burst
	}
	tb.tokens = tokens
	tb.lastUpdate = now
}
