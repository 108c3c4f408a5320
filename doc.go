/*
Package tokenflow provides token bucket admission control for Go services.

Rate Limiting (pkg/ratelimit):
  - bucket: Token bucket limiter with reservations, bounded waits and live reconfiguration
  - keyed: One bucket per key with idle eviction
  - reconfig: One-shot and cron-scheduled rate and burst changes

Supporting packages:
  - clock: Time source abstraction used by the limiters
  - metrics: Prometheus instrumentation
  - common/errors, common/validation: Typed errors and input checks

The tokenflow command (cmd/tokenflow) runs a configurable set of workers
against a limiter and applies scheduled and file-driven changes to it.

Example usage:

	import "github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"

	limiter := bucket.New(3, 5) // 3 tokens/sec, burst 5

	if limiter.WaitN(2, 20*time.Second) {
		// proceed
	}
*/
package tokenflow
