package bucket_test

import (
	"errors"
	"fmt"
	"time"

	"github.com/vnykmshr/tokenflow/internal/testutil"
	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

// Example demonstrates basic usage of the token bucket rate limiter
func Example() {
	// 10 requests per second with a burst of 5, starting full
	limiter := bucket.NewWithConfig(bucket.Config{
		Rate:          10,
		Burst:         5,
		InitialTokens: -1,
	})

	if limiter.Allow() {
		fmt.Println("Request allowed")
	} else {
		fmt.Println("Request denied")
	}

	// Output: Request allowed
}

// Example_reserve shows a reservation granted against a future act instant.
func Example_reserve() {
	clock := testutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := bucket.NewWithConfig(bucket.Config{Rate: 3, Burst: 5, Clock: clock})

	// The bucket starts empty, so two tokens need two thirds of a second.
	r := limiter.ReserveN(2, 20*time.Second)
	fmt.Println("granted:", r.OK())
	fmt.Println("delay:", r.DelayFrom(clock.Now()).Round(time.Millisecond))

	// The next caller queues behind the first.
	r = limiter.ReserveN(2, 20*time.Second)
	fmt.Println("next delay:", r.DelayFrom(clock.Now()).Round(time.Millisecond))

	// Output:
	// granted: true
	// delay: 667ms
	// next delay: 1.333s
}

// Example_wait paces a loop with WaitN.
func Example_wait() {
	clock := testutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := bucket.NewWithConfig(bucket.Config{Rate: 2, Burst: 1, Clock: clock})
	start := clock.Now()

	for i := 0; i < 3; i++ {
		if limiter.Wait(time.Second) {
			fmt.Printf("work %d at +%v\n", i, clock.Now().Sub(start))
		}
	}

	// Output:
	// work 0 at +500ms
	// work 1 at +1s
	// work 2 at +1.5s
}

// Example_refusal distinguishes the two kinds of refusal.
func Example_refusal() {
	limiter := bucket.New(1, 5)

	r := limiter.ReserveN(10, time.Hour)
	fmt.Println("over burst, permanent:", tferrors.IsPermanent(r.Err()))

	r = limiter.ReserveN(5, time.Second)
	fmt.Println("short wait, retryable:", tferrors.IsRetryable(r.Err()))
	fmt.Println("is ErrWaitTooShort:", errors.Is(r.Err(), bucket.ErrWaitTooShort))

	// Output:
	// over burst, permanent: true
	// short wait, retryable: true
	// is ErrWaitTooShort: true
}

// Example_reconfigure changes the rate and burst of a live limiter.
func Example_reconfigure() {
	limiter := bucket.New(10, 5)

	fmt.Println("SetLimit(20):", limiter.SetLimit(20))
	fmt.Println("SetLimit(0):", limiter.SetLimit(0))
	fmt.Println("SetBurst(0):", limiter.SetBurst(0))
	fmt.Printf("now %v tokens/s, burst %v\n", limiter.Limit(), limiter.Burst())

	// Output:
	// SetLimit(20): true
	// SetLimit(0): false
	// SetBurst(0): true
	// now 20 tokens/s, burst 0
}
