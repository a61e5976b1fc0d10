package payout

import "time"

func SetClock(c *TokenCache, now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
