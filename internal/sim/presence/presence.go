// Package presence tracks where peers are, from their PEER_POS heartbeats,
// and answers radius queries for the authority resolver.
package presence

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/sim/mathx"
)

type Directory struct {
	local    string
	localPos mgl64.Vec3
	hasLocal bool

	pos map[string]mgl64.Vec3
}

func NewDirectory(local string) *Directory {
	return &Directory{local: local, pos: map[string]mgl64.Vec3{}}
}

func (d *Directory) SetLocal(p mgl64.Vec3) {
	d.localPos = p
	d.hasLocal = true
}

func (d *Directory) Local() (mgl64.Vec3, bool) { return d.localPos, d.hasLocal }

// Update stores a remote peer's position and reports whether it is the first
// one seen for that peer.
func (d *Directory) Update(peer string, p mgl64.Vec3) (first bool) {
	if peer == d.local {
		d.SetLocal(p)
		return false
	}
	_, known := d.pos[peer]
	d.pos[peer] = p
	return !known
}

func (d *Directory) Remove(peer string) { delete(d.pos, peer) }

func (d *Directory) PeerPosition(peer string) (mgl64.Vec3, bool) {
	if peer == d.local {
		return d.localPos, d.hasLocal
	}
	p, ok := d.pos[peer]
	return p, ok
}

// PeersNear returns peers within radius of p on the XZ plane, sorted. The
// local peer is included once its own position is known.
func (d *Directory) PeersNear(p mgl64.Vec3, radius float64) []string {
	r2 := radius * radius
	var out []string
	if d.hasLocal && mathx.DistSqXZ(d.localPos, p) <= r2 {
		out = append(out, d.local)
	}
	for id, pos := range d.pos {
		if mathx.DistSqXZ(pos, p) <= r2 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Directory) Peers() []string {
	out := make([]string, 0, len(d.pos))
	for id := range d.pos {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
