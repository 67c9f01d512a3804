package conn

import (
	"math/rand"
	"time"
)

// backoffDelay returns the reconnect delay for the given attempt (1-based):
// exponential from base, capped, with up to 25% random jitter so a fleet of
// clients does not reconnect in lockstep.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
