// Package liveness answers whether a peer is currently active, using a
// staleness window over the last update observed from it.
package liveness

import (
	"sort"
	"time"
)

// Oracle is owned by the peer step loop; it is not safe for concurrent use.
type Oracle struct {
	local  string
	window time.Duration
	now    func() time.Time

	lastSeen map[string]time.Time
	// Peers known only because something named them (e.g. as authority).
	referenced map[string]time.Time
	gone       map[string]bool
}

func New(local string, window time.Duration, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{
		local:      local,
		window:     window,
		now:        now,
		lastSeen:   map[string]time.Time{},
		referenced: map[string]time.Time{},
		gone:       map[string]bool{},
	}
}

func (o *Oracle) Local() string         { return o.local }
func (o *Oracle) Window() time.Duration { return o.window }

// Observe records an update sent by peer. Any message counts.
func (o *Oracle) Observe(peer string, at time.Time) {
	if peer == "" || peer == o.local {
		return
	}
	if prev, ok := o.lastSeen[peer]; ok && at.Before(prev) {
		return
	}
	o.lastSeen[peer] = at
	delete(o.referenced, peer)
	delete(o.gone, peer)
}

// Track notes a peer we have only heard of. It stays optimistically active
// for one window from the first reference, then counts as stale until it
// sends something itself.
func (o *Oracle) Track(peer string, at time.Time) {
	if peer == "" || peer == o.local {
		return
	}
	if _, ok := o.lastSeen[peer]; ok {
		return
	}
	if _, ok := o.referenced[peer]; ok {
		return
	}
	o.referenced[peer] = at
}

// Forget marks a disconnected peer stale immediately.
func (o *Oracle) Forget(peer string) {
	if peer == "" || peer == o.local {
		return
	}
	o.gone[peer] = true
}

func (o *Oracle) IsActive(peer string) bool {
	if peer == o.local {
		return true
	}
	if o.gone[peer] {
		return false
	}
	now := o.now()
	if at, ok := o.lastSeen[peer]; ok {
		return now.Sub(at) <= o.window
	}
	if at, ok := o.referenced[peer]; ok {
		return now.Sub(at) <= o.window
	}
	// Never seen: optimistic.
	return true
}

// LastSeen returns the time of the last observed update.
func (o *Oracle) LastSeen(peer string) (time.Time, bool) {
	at, ok := o.lastSeen[peer]
	return at, ok
}

// Peers lists every remote peer that has sent an update, sorted.
func (o *Oracle) Peers() []string {
	out := make([]string, 0, len(o.lastSeen))
	for id := range o.lastSeen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ActiveCount counts observed remote peers that are currently active.
func (o *Oracle) ActiveCount() int {
	n := 0
	for id := range o.lastSeen {
		if o.IsActive(id) {
			n++
		}
	}
	return n
}

// Prune drops bookkeeping for peers silent for longer than keep.
func (o *Oracle) Prune(keep time.Duration) {
	now := o.now()
	for id, at := range o.lastSeen {
		if now.Sub(at) > keep {
			delete(o.lastSeen, id)
			delete(o.gone, id)
			// Keep it stale rather than optimistic once forgotten.
			o.referenced[id] = at
		}
	}
	for id, at := range o.referenced {
		if now.Sub(at) > keep {
			delete(o.referenced, id)
			o.gone[id] = true
		}
	}
}
