package peer

import (
	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/mathx"
)

func (p *Peer) handle(env protocol.Envelope) {
	if env.Msg == nil {
		return
	}
	if env.From == p.id {
		return
	}
	now := p.now
	// Any message is proof of life for its sender.
	p.live.Observe(env.From, now)

	switch m := env.Msg.(type) {
	case protocol.HelloMsg:
		p.live.Observe(m.PeerID, now)
		p.greet(m.PeerID)
	case protocol.PeersMsg:
		// Membership gossip is handled by the transport.
	case protocol.PeerPosMsg:
		p.live.Observe(m.PeerID, now)
		if p.dir.Update(m.PeerID, m.Pos) {
			p.logger.Printf("peer %s seen at %.1f,%.1f", m.PeerID, m.Pos.X(), m.Pos.Z())
			p.eng.OnPeerJoined(m.PeerID, m.Pos, now)
		}
	case protocol.SyncMsg:
		// Graves first: an entry may be a newer life of a buried anchor.
		p.eng.ApplyGraves(p.filterGraves(m.Graves), now)
		p.eng.SyncFromPeer(p.filterInterest(m.Entities), now)
	case protocol.SyncReqMsg:
		keys := make([]mathx.RegionKey, 0, len(m.Regions))
		for _, r := range m.Regions {
			keys = append(keys, mathx.RegionKey{X: r[0], Z: r[1]})
		}
		p.sendSync(m.PeerID, p.eng.SyncForRegions(keys), p.eng.GravesForRegions(keys, now))
	case protocol.SpawnMsg:
		if !p.inInterest(m.Anchor) {
			p.counters.OutOfInterest++
			return
		}
		p.eng.HandleSpawn(m, now)
	default:
		if !p.eng.Handle(env, now) {
			p.counters.Unhandled++
		}
	}
}

// greet brings a newly connected peer up to date with what we hold and
// which lives we have seen end. Both ends greet, so each learns the other's
// side.
func (p *Peer) greet(to string) {
	p.sendSync(to, p.eng.SyncSnapshot(), p.eng.Graves(p.now))
}

func (p *Peer) sendSync(to string, list []protocol.SpawnMsg, graves []protocol.GraveMsg) {
	if to == "" || to == p.id || (len(list) == 0 && len(graves) == 0) {
		return
	}
	p.counters.SyncsSent++
	p.out.SendTo(to, protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Entities:        list,
		Graves:          graves,
	})
}

func (p *Peer) handlePeerEvent(ev PeerEvent) {
	if ev.Peer == "" || ev.Peer == p.id {
		return
	}
	if ev.Connected {
		p.live.Observe(ev.Peer, p.now)
		p.greet(ev.Peer)
		return
	}
	p.logger.Printf("peer %s disconnected", ev.Peer)
	p.live.Forget(ev.Peer)
	p.dir.Remove(ev.Peer)
	// Reclaim what it held on this step instead of waiting for the cadence.
	p.lastAuthCheck = p.now.Add(-p.tun.AuthorityCheck())
}

// inInterest reports whether an anchor lies in a loaded region. Entities
// outside are not mirrored.
func (p *Peer) inInterest(anchor mgl64.Vec3) bool {
	_, ok := p.loaded[mathx.RegionOf(anchor, p.tun.RegionSize)]
	return ok
}

func (p *Peer) filterInterest(list []protocol.SpawnMsg) []protocol.SpawnMsg {
	out := list[:0:0]
	for _, m := range list {
		if p.inInterest(m.Anchor) {
			out = append(out, m)
		} else {
			p.counters.OutOfInterest++
		}
	}
	return out
}

func (p *Peer) filterGraves(list []protocol.GraveMsg) []protocol.GraveMsg {
	out := list[:0:0]
	for _, g := range list {
		if p.inInterest(g.Anchor) {
			out = append(out, g)
		} else {
			p.counters.OutOfInterest++
		}
	}
	return out
}
