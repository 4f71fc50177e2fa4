package bench

import "time"

// Limiter spaces calls to Wait evenly to a rate per second
type Limiter struct {
	ticker *time.Ticker
}

// NewLimiter creates a limiter for rate calls per second
func NewLimiter(rate int) *Limiter {
	return &Limiter{ticker: time.NewTicker(time.Second / time.Duration(rate))}
}

// Wait blocks until the next slot
func (l *Limiter) Wait() {
	<-l.ticker.C
}

func (l *Limiter) Stop() {
	l.ticker.Stop()
}
