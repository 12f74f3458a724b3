package peer

import (
	"errors"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
)

const reasonAnchorRemoved = "anchor_removed"

// updateRegions loads the square of regions around pos and unloads the
// rest. Newly loaded regions are announced with one SYNC_REQ so their
// holders send us what they have there.
func (p *Peer) updateRegions(pos mgl64.Vec3) {
	center := mathx.RegionOf(pos, p.tun.RegionSize)
	if p.center == center && len(p.loaded) > 0 {
		return
	}
	p.center = center

	for k := range p.loaded {
		if mathx.ChebyshevRegions(k, center) > p.tun.RegionRadius {
			p.unloadRegion(k)
		}
	}

	var fresh [][2]int
	for _, k := range mathx.RegionsAround(center, p.tun.RegionRadius) {
		if _, ok := p.loaded[k]; ok {
			continue
		}
		p.loaded[k] = p.now
		fresh = append(fresh, [2]int{k.X, k.Z})
	}
	if len(fresh) == 0 {
		return
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i][1] != fresh[j][1] {
			return fresh[i][1] < fresh[j][1]
		}
		return fresh[i][0] < fresh[j][0]
	})
	p.out.Broadcast(protocol.SyncReqMsg{
		Type:            protocol.TypeSyncReq,
		ProtocolVersion: protocol.Version,
		PeerID:          p.id,
		Regions:         fresh,
	})
}

func (p *Peer) unloadRegion(k mathx.RegionKey) {
	if _, ok := p.loaded[k]; !ok {
		return
	}
	delete(p.loaded, k)
	removed := p.eng.RemoveForRegionUnload(k, p.now)
	cancelled := p.queue.CancelWhere(func(_, _ string, a entity.AnchorSpec) bool {
		return mathx.RegionOf(a.Pos, p.tun.RegionSize) == k
	})
	if len(removed) > 0 || cancelled > 0 {
		p.logger.Printf("region %s unloaded: %d entities removed, %d spawns cancelled", k, len(removed), cancelled)
	}
}

func (p *Peer) applyAnchorEvent(ev AnchorEvent) {
	a := ev.Anchor
	if a.ID == "" {
		return
	}
	if !ev.Removed {
		if _, ok := p.eng.Lookup(a.Type); !ok {
			p.logger.Printf("anchor %s: unknown type %q, ignored", a.ID, a.Type)
			return
		}
		p.anchors[a.ID] = a
		return
	}
	old, ok := p.anchors[a.ID]
	if !ok {
		return
	}
	delete(p.anchors, a.ID)
	p.queue.Cancel(old.Type, old.ID)
	if reg := p.eng.Registry(old.Type); reg != nil {
		if r := reg.ByAnchor(old.ID); r != nil && r.AuthorityID == p.id {
			p.eng.Despawn(r.ID, reasonAnchorRemoved, p.now)
		}
	}
}

// decideSpawns queues a spawn for every settled, empty anchor the local peer
// should hold. A region is settled one staleness window after it loads, so
// holders have time to answer the SYNC_REQ.
func (p *Peer) decideSpawns() {
	settle := p.tun.Staleness()
	ids := make([]string, 0, len(p.anchors))
	for id := range p.anchors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := p.anchors[id]
		loadedAt, ok := p.loaded[mathx.RegionOf(a.Pos, p.tun.RegionSize)]
		if !ok || p.now.Sub(loadedAt) < settle {
			continue
		}
		if p.queue.Queued(a.Type, a.ID) {
			continue
		}
		if !p.shouldSpawn(a) {
			continue
		}
		p.queue.Enqueue(a.Type, a, a.ID)
	}
}

func (p *Peer) shouldSpawn(a entity.AnchorSpec) bool {
	if p.eng.CanSpawn(a, p.now) != nil {
		return false
	}
	return p.res.Resolve(a.Pos) == p.id
}

// spawnQueued re-checks the decision when the queue gets to it; the world
// may have moved on since it was enqueued.
func (p *Peer) spawnQueued(_ string, a entity.AnchorSpec) error {
	if _, ok := p.anchors[a.ID]; !ok {
		return nil
	}
	if !p.shouldSpawn(a) {
		return nil
	}
	if _, err := p.eng.Spawn(a, p.now); err != nil {
		if errors.Is(err, entity.ErrAnchorOccupied) || errors.Is(err, entity.ErrRespawnCooldown) {
			return nil
		}
		return err
	}
	return nil
}
