/*
Package reconfig changes a limiter's rate and burst on a schedule.

A Schedule drives any bucket.Reconfigurable: a single bucket.Limiter, a
MetricsLimiter or a keyed.Registry. Changes go through SetLimit and
SetBurst, so they reconcile the bucket at the old parameters first and
never alter reservations that were already granted.

	sched := reconfig.New(limiter, reconfig.Config{Logger: logger})

	// Halve the rate in five minutes.
	sched.After("cooldown", 5*time.Minute, reconfig.SetRate(50))

	// Open up at night, tighten again in the morning.
	sched.Cron("night", "0 22 * * *", reconfig.SetRate(500).WithBurst(1000))
	sched.Cron("day", "0 6 * * *", reconfig.SetRate(100).WithBurst(200))

	sched.Start()
	defer func() { <-sched.Stop() }()

Cron expressions take an optional leading seconds field and the usual
descriptors (@hourly, @daily, @every 30s). A change the limiter rejects is
logged and handed to Config.OnError as an OperationError wrapping a
ValidationError; the entry itself stays scheduled.
*/
package reconfig
