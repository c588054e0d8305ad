package notify

import (
	"sync"
	"time"
)

// Cooldown throttles repeated notifications for the same key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown(now func() time.Time) *Cooldown {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cooldown{last: make(map[string]time.Time), now: now}
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}

// Forget drops keys older than maxAge.
func (c *Cooldown) Forget(maxAge time.Duration) {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ts := range c.last {
		if ts.Before(cutoff) {
			delete(c.last, k)
		}
	}
}
