// Package clock supplies the time source consumed by the limiters.
//
// Limiters never read wall-clock time directly. A wall clock can jump
// backwards or forwards under NTP corrections or manual changes, which
// would corrupt the elapsed-time arithmetic token refill depends on.
// time.Now carries Go's monotonic clock reading, and Time.Sub prefers it
// when both operands have one, so the System clock is monotonic for every
// subtraction the limiters perform.
package clock

import "time"

// Clock provides the current instant and a way to suspend the caller.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current instant. Successive calls must not regress.
	Now() time.Time

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// System implements Clock on the runtime's monotonic clock.
type System struct{}

// Now returns time.Now, which includes a monotonic reading.
func (System) Now() time.Time {
	return time.Now()
}

// Sleep pauses the current goroutine for d.
func (System) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration on c until t, or 0 if t has passed.
func Until(c Clock, t time.Time) time.Duration {
	d := t.Sub(c.Now())
	if d < 0 {
		return 0
	}
	return d
}
