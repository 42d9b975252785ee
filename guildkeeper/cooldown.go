package guildkeeper

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// xpCooldown gates message XP to one grant per member per window.
//
// State is in-memory only: a restart (or eviction of a quiet member from
// the LRU) lets the next message earn XP immediately.
type xpCooldown struct {
	mu     sync.Mutex
	window time.Duration
	next   *lru.Cache
}

func newXPCooldown(window time.Duration, size int) (*xpCooldown, error) {
	if size <= 0 {
		size = DefaultXPCooldownEntries
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("error creating cooldown cache: %w", err)
	}
	return &xpCooldown{window: window, next: cache}, nil
}

func cooldownKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// Allow reports whether the member may earn XP at now, and if so starts
// a new window. Only one of several concurrent callers for the same
// member gets true.
func (c *xpCooldown) Allow(guildID, userID string, now time.Time) bool {
	if c.window <= 0 {
		return true
	}
	key := cooldownKey(guildID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.next.Get(key); ok {
		if eligibleAt, _ := v.(time.Time); now.Before(eligibleAt) {
			return false
		}
	}
	c.next.Add(key, now.Add(c.window))
	return true
}

// Reset clears the member's window
func (c *xpCooldown) Reset(guildID, userID string) {
	c.next.Remove(cooldownKey(guildID, userID))
}
