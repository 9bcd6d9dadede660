package engine

import (
	"sync"
	"time"
)

// Cooldown throttles repeated warnings: Allow returns true at most once per
// interval for a given topic and reason.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

func (c *Cooldown) Allow(topic, reason string, interval time.Duration) bool {
	return c.AllowKey(topic+"|"+reason, interval)
}

func (c *Cooldown) AllowKey(key string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < interval {
			return false
		}
	}
	c.last[key] = now
	return true
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	c.last = make(map[string]time.Time)
	c.mu.Unlock()
}
