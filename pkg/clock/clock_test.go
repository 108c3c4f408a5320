package clock

import (
	"testing"
	"time"
)

func TestSystemNowIsMonotonic(t *testing.T) {
	var c Clock = System{}

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now.Before(prev) {
			t.Fatalf("clock regressed: %v before %v", now, prev)
		}
		prev = now
	}
}

func TestSystemSleep(t *testing.T) {
	var c Clock = System{}

	start := c.Now()
	c.Sleep(10 * time.Millisecond)
	if elapsed := Since(c, start); elapsed < 10*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 10ms", elapsed)
	}

	// Non-positive durations return immediately.
	start = c.Now()
	c.Sleep(-time.Second)
	if elapsed := Since(c, start); elapsed > 50*time.Millisecond {
		t.Errorf("Sleep(-1s) blocked for %v", elapsed)
	}
}

func TestUntil(t *testing.T) {
	c := System{}

	if d := Until(c, c.Now().Add(-time.Second)); d != 0 {
		t.Errorf("Until(past) = %v, want 0", d)
	}
	if d := Until(c, c.Now().Add(time.Hour)); d <= 59*time.Minute {
		t.Errorf("Until(+1h) = %v, want ~1h", d)
	}
}
