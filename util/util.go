package util

import (
	"fmt"
	"time"

	"github.com/acharapko/flease/log"
)

// Max of two int
func Max(a, b int) int {
	if a < b {
		return b
	}
	return a
}

// Retry calls f up to attempts times. The n-th failure waits n*sleep before
// the next call, the last one returns at once wrapping its error.
func Retry(f func() error, attempts int, sleep time.Duration) error {
	var err error
	for n := 1; n <= attempts; n++ {
		if err = f(); err == nil {
			return nil
		}
		log.Debugf("attempt %d/%d: %v", n, attempts, err)
		if n < attempts {
			time.Sleep(time.Duration(n) * sleep)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// Schedule calls f every period until the returned channel is closed
func Schedule(f func(), period time.Duration) chan bool {
	stop := make(chan bool)
	ticker := time.NewTicker(period)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f()
			case <-stop:
				return
			}
		}
	}()

	return stop
}
