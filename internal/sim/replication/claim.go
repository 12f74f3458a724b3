package replication

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/sim/authority"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
)

// CheckAuthority re-runs the resolver for every record: non-held records may
// be claimed, held records may pause or be handed off. It returns the number
// of claims made.
func (e *Engine) CheckAuthority(now time.Time) int {
	before := e.stats.Claims
	for _, typ := range e.types {
		reg := e.regs[typ]
		for _, r := range reg.All() {
			e.checkRecord(reg, r, now)
		}
	}
	return int(e.stats.Claims - before)
}

// OnPeerJoined re-checks authority right away for records anchored within
// range of a peer's first observed position.
func (e *Engine) OnPeerJoined(peer string, pos mgl64.Vec3, now time.Time) int {
	radius := e.tun.AuthorityRadius
	n := 0
	for _, typ := range e.types {
		reg := e.regs[typ]
		for _, r := range reg.All() {
			if mathx.DistSqXZ(r.Anchor, pos) > radius*radius {
				continue
			}
			e.checkRecord(reg, r, now)
			n++
		}
	}
	if n > 0 {
		e.stats.JoinChecks++
	}
	return n
}

func (e *Engine) checkRecord(reg *entity.Registry, r *entity.Record, now time.Time) {
	winner := e.resolver.Resolve(r.Anchor)

	if r.AuthorityID == e.local {
		switch {
		case winner == "":
			if !r.Paused {
				r.Paused = true
				e.stats.Pauses++
			}
		case authority.ShouldHandOff(winner, e.local):
			e.handOff(reg, r, winner, now)
		default:
			r.Paused = false
		}
		return
	}
	r.Paused = false

	holderActive := r.AuthorityID != "" && e.live.IsActive(r.AuthorityID)
	if authority.ShouldClaim(winner, e.local, r.AuthorityID, holderActive) {
		e.claim(reg, r, now)
		return
	}

	// We handed this record off and have not heard from the new holder yet.
	if !r.HandedOffAt.IsZero() && r.AuthorityID == winner {
		e.broadcastState(reg, r, now)
	}
}

// claim takes authority: bump the term, continue from the last received pose
// and announce immediately.
func (e *Engine) claim(reg *entity.Registry, r *entity.Record, now time.Time) {
	prev := r.AuthorityID
	r.AuthorityTerm++
	r.AuthorityID = e.local
	r.Paused = false
	r.HandedOffAt = time.Time{}
	if r.HasTarget {
		r.Position = r.TargetPosition
		r.Rotation = r.TargetRotation
	}
	r.HasTarget = false
	r.Brain = entity.Brain{}
	e.broadcastState(reg, r, now)
	e.stats.Claims++
	e.logger.Printf("claimed %s from %q (term %d)", r.ID, prev, r.AuthorityTerm)
	e.logTransition(r, prev, ReasonClaim, now)
}

// handOff passes a held record to winner with the next term. The previous
// holder keeps re-announcing it until the new holder is heard from.
func (e *Engine) handOff(reg *entity.Registry, r *entity.Record, winner string, now time.Time) {
	prev := r.AuthorityID
	r.AuthorityTerm++
	r.AuthorityID = winner
	r.Paused = false
	r.HandedOffAt = now
	r.TargetPosition = r.Position
	r.TargetRotation = r.Rotation
	r.HasTarget = true
	e.broadcastState(reg, r, now)
	e.stats.HandOffs++
	e.logger.Printf("handed %s to %s (term %d)", r.ID, winner, r.AuthorityTerm)
	e.logTransition(r, prev, ReasonHandOff, now)
}

// RemoveForRegionUnload drops every record anchored in the region. Records
// held locally are handed to the current resolver winner first so the
// entity keeps a live holder.
func (e *Engine) RemoveForRegionUnload(key mathx.RegionKey, now time.Time) []*entity.Record {
	var out []*entity.Record
	for _, typ := range e.types {
		reg := e.regs[typ]
		for _, r := range reg.All() {
			if r.AuthorityID != e.local || mathx.RegionOf(r.Anchor, e.tun.RegionSize) != key {
				continue
			}
			if w := e.resolver.Resolve(r.Anchor); w != "" && w != e.local {
				e.handOff(reg, r, w, now)
			}
		}
		for _, r := range reg.RemoveForRegionUnload(key, now) {
			e.pending.drop(r.ID)
			e.logLifecycle(r.ID, r.Type, EventRegionUnload, key.String(), now)
			out = append(out, r)
		}
	}
	return out
}
