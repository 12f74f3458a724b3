package entity

import "time"

// CooldownStore remembers when each anchor's last life died. It outlives the
// corpse record so a torn-down anchor still honors the respawn cooldown.
type CooldownStore interface {
	LastDeath(key string) (time.Time, bool)
	RecordDeath(key string, at time.Time)
}

// CooldownKey scopes an anchor to its entity type.
func CooldownKey(typ, anchorID string) string { return typ + "/" + anchorID }

type MemoryCooldowns struct {
	m map[string]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{m: map[string]time.Time{}}
}

func (c *MemoryCooldowns) LastDeath(key string) (time.Time, bool) {
	at, ok := c.m[key]
	return at, ok
}

func (c *MemoryCooldowns) RecordDeath(key string, at time.Time) {
	if prev, ok := c.m[key]; ok && prev.After(at) {
		return
	}
	c.m[key] = at
}
