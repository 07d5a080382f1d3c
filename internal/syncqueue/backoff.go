// internal/syncqueue/backoff.go
package syncqueue

import "time"

const (
	baseBackoff        = time.Second
	maxBackoff         = 60 * time.Second
	maxBackoffExponent = 6
)

// Backoff returns the delay before the next attempt of an operation that has
// failed retries times: one second doubled per failure, capped at a minute.
func Backoff(retries int) time.Duration {
	n := retries
	if n < 0 {
		n = 0
	}
	if n > maxBackoffExponent {
		n = maxBackoffExponent
	}
	d := baseBackoff << n
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
