package transport

import (
	"math"
	"time"
)

const maxBackoffExponent = 10

// backoffDelay returns the wait before reconnect attempt number
// attempts. The first attempt does not wait.
func backoffDelay(base float64, attempts int, max time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	exp := attempts - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	d := time.Duration(math.Pow(base, float64(exp)) * float64(time.Second))
	if max > 0 && d > max {
		d = max
	}
	return d
}
