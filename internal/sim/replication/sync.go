package replication

import (
	"time"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
)

// SyncSnapshot returns Spawn messages for every record the local peer holds,
// for a late-joining peer's full sync.
func (e *Engine) SyncSnapshot() []protocol.SpawnMsg {
	return e.syncWhere(func(*entity.Record) bool { return true })
}

// SyncForRegions is SyncSnapshot restricted to anchors in the given regions.
func (e *Engine) SyncForRegions(keys []mathx.RegionKey) []protocol.SpawnMsg {
	want := make(map[mathx.RegionKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	return e.syncWhere(func(r *entity.Record) bool {
		return want[mathx.RegionOf(r.Anchor, e.tun.RegionSize)]
	})
}

func (e *Engine) syncWhere(keep func(*entity.Record) bool) []protocol.SpawnMsg {
	var out []protocol.SpawnMsg
	for _, r := range e.Records() {
		if r.AuthorityID == e.local && keep(r) {
			out = append(out, e.spawnMsg(r))
		}
	}
	return out
}

// SyncFromPeer replays a full-sync list through the normal acceptance path:
// Spawn, then the (term, authority) claim and pose as a State, then Death.
func (e *Engine) SyncFromPeer(list []protocol.SpawnMsg, now time.Time) int {
	n := 0
	for _, m := range list {
		if err := m.Validate(); err != nil {
			e.logger.Printf("sync: dropping %s: %v", m.EntityID, err)
			continue
		}
		e.HandleSpawn(m, now)

		reg := e.regs[m.EntityType]
		if reg == nil {
			continue
		}
		r := reg.Get(m.EntityID)
		if r == nil {
			continue
		}
		e.applyState(reg, r, stateFromSpawn(m), now)
		if m.Dead {
			e.applyDeath(reg, r.ID, entity.DeathData{KilledBy: m.KilledBy, DeathTick: m.DeathTick}, now)
		}
		n++
	}
	return n
}

func stateFromSpawn(m protocol.SpawnMsg) protocol.StateMsg {
	return protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		EntityID:        m.EntityID,
		EntityType:      m.EntityType,
		AuthorityID:     m.AuthorityID,
		AuthorityTerm:   m.AuthorityTerm,
		Pos:             m.Pos,
		Rot:             m.Rot,
		State:           m.State,
		TargetID:        m.TargetID,
		HP:              m.HP,
	}
}
