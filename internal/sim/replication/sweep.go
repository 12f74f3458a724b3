package replication

import (
	"time"

	"wildmesh.ai/internal/sim/entity"
)

const reasonCorpseExpired = "corpse_expired"

// Sweep expires orphaned messages, tears down corpses past their lifetime
// and prunes old tombstones.
func (e *Engine) Sweep(now time.Time) {
	ttl := e.tun.PendingTTL()
	e.stats.OrphansExpired += uint64(e.pending.expire(now, ttl))

	for _, typ := range e.types {
		reg := e.regs[typ]
		for _, r := range reg.All() {
			if !r.IsDead || r.TeardownAt.IsZero() || now.Before(r.TeardownAt) {
				continue
			}
			if r.AuthorityID == e.local {
				e.Despawn(r.ID, reasonCorpseExpired, now)
				continue
			}
			// The holder's Despawn may have been lost; give it one pending
			// window, then tear down locally.
			if !now.Before(r.TeardownAt.Add(ttl)) {
				if reg.Despawn(r.ID, reasonCorpseExpired, now) {
					e.stats.Despawns++
					e.logLifecycle(r.ID, r.Type, EventDespawn, reasonCorpseExpired+"_local", now)
				}
			}
		}
		reg.PruneTombstones(now)
	}
	e.pruneGraveReplies(now)
}

// Gauges summarizes the registries for metrics.
func (e *Engine) Gauges() Gauges {
	g := Gauges{Entities: map[string]int{}, Pending: e.pending.size()}
	for _, typ := range e.types {
		reg := e.regs[typ]
		g.Entities[typ] = reg.Len()
		g.Tombstones += reg.Tombstones()
		for _, r := range reg.All() {
			switch {
			case r.IsDead:
				g.Dead++
			case r.AuthorityID == e.local:
				g.Held++
				if r.Paused {
					g.Paused++
				}
			default:
				g.Mirrored++
			}
		}
	}
	return g
}

// HeldBy counts live records held by peer.
func (e *Engine) HeldBy(peer string) int {
	n := 0
	for _, r := range e.Records() {
		if r.HeldBy(peer) && !r.IsDead {
			n++
		}
	}
	return n
}

var _ entity.Directory = (*Engine)(nil)
