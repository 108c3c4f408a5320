/*
Package ratelimit groups the token bucket limiters of tokenflow.

  - bucket: a single token bucket. Tokens accumulate at a fixed rate up to
    a burst capacity and callers debit them before acting.
  - keyed: a registry handing out one bucket per key, evicted when idle.
  - reconfig: changes to rate and burst applied after a delay or on a cron
    schedule.

A caller that cannot wait uses AllowN. A caller that wants to know when it
may act uses ReserveN and sleeps on the returned reservation itself:

	limiter := bucket.New(3, 5)
	r := limiter.ReserveN(2, 20*time.Second)
	if !r.OK() {
		return r.Err()
	}
	time.Sleep(r.Delay())

WaitN does the sleep inside the limiter. Waits are bounded by maxWait and
cannot be cancelled once granted; the tokens stay spent.

Rate and burst can be changed on a running limiter. Tokens accrued before
the change are settled at the old rate, so a change never applies
retroactively.

All limiters are safe for concurrent use.
*/
package ratelimit
