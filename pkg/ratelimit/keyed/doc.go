/*
Package keyed maintains one token bucket per key, such as a client ID,
tenant or route.

Limiters are created on first use from a shared bucket.Config and are
dropped after sitting idle for the registry's TTL:

	clients := keyed.New(keyed.Config{
		Limiter: bucket.Config{Rate: 5, Burst: 10, InitialTokens: -1},
		TTL:     15 * time.Minute,
	})

	if !clients.AllowN(clientID, 1) {
		// reject the request
	}

Keys never share tokens. SetLimit and SetBurst apply to every live limiter
and to limiters created later, so a Registry can be reconfigured wherever a
single bucket.Limiter can.
*/
package keyed
