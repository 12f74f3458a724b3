package replication

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
)

// ReasonBuried is the Despawn reason a holder uses when another peer proves
// the life it holds already ended.
const ReasonBuried = "buried"

// Graves lists every tombstone with a known anchor, for a joining peer.
func (e *Engine) Graves(now time.Time) []protocol.GraveMsg {
	return e.gravesWhere(now, nil)
}

// GravesForRegions is Graves restricted to anchors in the given regions.
func (e *Engine) GravesForRegions(keys []mathx.RegionKey, now time.Time) []protocol.GraveMsg {
	want := make(map[mathx.RegionKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	return e.gravesWhere(now, func(a mgl64.Vec3) bool {
		return want[mathx.RegionOf(a, e.tun.RegionSize)]
	})
}

func (e *Engine) gravesWhere(now time.Time, keep func(mgl64.Vec3) bool) []protocol.GraveMsg {
	var out []protocol.GraveMsg
	for _, typ := range e.types {
		out = append(out, e.regs[typ].Graves(now, keep)...)
	}
	return out
}

// ApplyGraves adopts tombstones reported by another peer. A life the local
// peer holds is despawned mesh-wide; a mirrored copy is dropped locally.
func (e *Engine) ApplyGraves(list []protocol.GraveMsg, now time.Time) int {
	n := 0
	for _, gr := range list {
		reg := e.registryFor(gr.EntityID, "")
		if reg == nil {
			e.stats.UnknownType++
			continue
		}
		removed, ok := reg.ApplyGrave(gr, now)
		if !ok {
			continue
		}
		n++
		e.stats.GravesApplied++
		e.pending.drop(gr.EntityID)
		if removed == nil {
			continue
		}
		e.pending.drop(removed.ID)
		e.logLifecycle(removed.ID, removed.Type, EventBuried, "grave="+gr.EntityID, now)
		if removed.AuthorityID == e.local {
			e.logger.Printf("%s was already over elsewhere (%s); despawning", removed.ID, gr.Reason)
			e.out.Broadcast(protocol.DespawnMsg{
				Type:            protocol.TypeDespawn,
				ProtocolVersion: protocol.Version,
				EntityID:        removed.ID,
				Reason:          ReasonBuried,
			})
		}
	}
	return n
}

// answerTombstone tells a peer still announcing a tombstoned life that it is
// over, at most once per authority check interval.
func (e *Engine) answerTombstone(reg *entity.Registry, id, to string, now time.Time) {
	if to == "" || to == e.local {
		return
	}
	key := id + "|" + to
	if last, ok := e.graveReplies[key]; ok && now.Sub(last) < e.tun.AuthorityCheck() {
		return
	}
	var grave protocol.GraveMsg
	for _, gr := range reg.Graves(now, nil) {
		if gr.EntityID == id {
			grave = gr
			break
		}
	}
	if grave.EntityID == "" {
		return
	}
	e.graveReplies[key] = now
	e.stats.GraveReplies++
	e.out.SendTo(to, protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Graves:          []protocol.GraveMsg{grave},
	})
}

func (e *Engine) pruneGraveReplies(now time.Time) {
	for k, at := range e.graveReplies {
		if now.Sub(at) >= e.tun.AuthorityCheck() {
			delete(e.graveReplies, k)
		}
	}
}
