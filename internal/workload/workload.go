// Package workload runs the demo workers of the tokenflow command: a fixed
// number of goroutines that repeatedly take tokens from a limiter before
// doing a unit of work.
package workload

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

// Admitter hands out tokens per key. keyed.Registry implements it directly;
// Single adapts a lone limiter. Burst is the capacity shared by all keys.
type Admitter interface {
	ReserveN(key string, n float64, maxWait time.Duration) bucket.Reservation
	WaitN(key string, n float64, maxWait time.Duration) bool
	Burst() float64
}

// Single adapts one limiter to Admitter by ignoring the key.
type Single struct {
	Limiter bucket.Limiter
}

// ReserveN reserves from the wrapped limiter.
func (s Single) ReserveN(_ string, n float64, maxWait time.Duration) bucket.Reservation {
	return s.Limiter.ReserveN(n, maxWait)
}

// WaitN waits on the wrapped limiter.
func (s Single) WaitN(_ string, n float64, maxWait time.Duration) bool {
	return s.Limiter.WaitN(n, maxWait)
}

// Burst returns the wrapped limiter's burst.
func (s Single) Burst() float64 {
	return s.Limiter.Burst()
}

// Mode selects how workers take tokens.
type Mode string

const (
	// ModeWait blocks inside the limiter until the tokens are due.
	ModeWait Mode = "wait"
	// ModeReserve reserves and sleeps on the reservation's delay itself,
	// so a cancelled context interrupts the sleep.
	ModeReserve Mode = "reserve"
)

// Config describes a workload.
type Config struct {
	Workers      int
	Tokens       float64
	MaxWait      time.Duration
	Mode         Mode
	Iterations   int // per worker; 0 runs until the context is done
	RetryBackoff time.Duration
	Keys         int // spread workers over this many keys; 0 uses one key

	// Work runs after tokens were granted. If nil, the grant is only logged.
	Work func(ctx context.Context, worker, iteration int) error
}

// Stats summarises a finished run.
type Stats struct {
	Granted   int64
	Refused   int64
	Failed    int64
	Abandoned int64 // workers stopped by a refusal that retrying cannot fix
	Tokens   float64
	Duration time.Duration
}

// Run starts cfg.Workers goroutines and waits for them to finish, either
// after cfg.Iterations grants each or when ctx is done.
func Run(ctx context.Context, admitter Admitter, cfg Config, logger *zap.Logger) Stats {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeWait
	}

	var (
		granted, refused, failed, abandoned atomic.Int64
		wg                                  sync.WaitGroup
	)
	start := time.Now()

	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			key := ""
			if cfg.Keys > 0 {
				key = fmt.Sprintf("key-%d", worker%cfg.Keys)
			}
			log := logger.With(zap.Int("worker", worker), zap.String("key", key))

			for i := 0; cfg.Iterations == 0 || i < cfg.Iterations; {
				if ctx.Err() != nil {
					return
				}

				if err := take(ctx, admitter, key, cfg); err != nil {
					refused.Add(1)
					if tferrors.IsPermanent(err) {
						abandoned.Add(1)
						log.Error("tokens can never be granted, stopping worker",
							zap.Int("iteration", i), zap.Float64("tokens", cfg.Tokens), zap.Error(err))
						return
					}
					log.Debug("tokens refused", zap.Int("iteration", i), zap.Error(err))
					if !sleep(ctx, cfg.RetryBackoff) {
						return
					}
					continue
				}
				if ctx.Err() != nil {
					return
				}

				granted.Add(1)
				log.Info("tokens granted", zap.Int("iteration", i), zap.Float64("tokens", cfg.Tokens))
				if cfg.Work != nil {
					if err := runWork(ctx, cfg.Work, worker, i); err != nil {
						failed.Add(1)
						log.Warn("work failed", zap.Int("iteration", i), zap.Error(err))
					}
				}
				i++
			}
		}(w)
	}
	wg.Wait()

	return Stats{
		Granted:   granted.Load(),
		Refused:   refused.Load(),
		Failed:    failed.Load(),
		Abandoned: abandoned.Load(),
		Tokens:    float64(granted.Load()) * cfg.Tokens,
		Duration:  time.Since(start),
	}
}

// runWork calls work, turning a panic into an error so one bad unit of work
// does not take the process down.
func runWork(ctx context.Context, work func(context.Context, int, int) error, worker, iteration int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}
	}()
	return work(ctx, worker, iteration)
}

// take obtains cfg.Tokens for key. A nil error means the tokens were
// granted; otherwise the error tells a retryable refusal from a permanent one.
func take(ctx context.Context, admitter Admitter, key string, cfg Config) error {
	if cfg.Mode == ModeWait {
		// WaitN only reports a bool, so requests that can never succeed
		// are caught here.
		if !(cfg.Tokens >= 0) {
			return bucket.ErrInvalidTokens
		}
		if cfg.Tokens > admitter.Burst() {
			return bucket.ErrExceedsBurst
		}
		if !admitter.WaitN(key, cfg.Tokens, cfg.MaxWait) {
			return bucket.ErrWaitTooShort
		}
		return nil
	}

	r := admitter.ReserveN(key, cfg.Tokens, cfg.MaxWait)
	if !r.OK() {
		return r.Err()
	}
	// The tokens stay spent if ctx ends first.
	sleep(ctx, r.Delay())
	return nil
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
