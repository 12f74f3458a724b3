// Package authority decides which peer should simulate an entity and how
// competing authority claims are ordered.
//
// Peer IDs are opaque strings compared bytewise. Every rule here (resolver
// winner, equal-term tie-break, duplicate-spawn race) uses the same ordering,
// so all peers agree given the same inputs.
package authority

import (
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// Compare orders peer IDs; lower IDs have priority.
func Compare(a, b string) int { return strings.Compare(a, b) }

func Less(a, b string) bool { return Compare(a, b) < 0 }

// Wins reports whether a remote (term, authority) claim beats the local one.
// A higher term wins outright; on equal terms the lower peer ID wins.
func Wins(remoteTerm uint64, remoteID string, localTerm uint64, localID string) bool {
	if remoteTerm != localTerm {
		return remoteTerm > localTerm
	}
	if localID == "" {
		return remoteID != ""
	}
	return remoteID != localID && Less(remoteID, localID)
}

// ShouldClaim reports whether local should take authority from holder.
// The resolver must name local, and the holder must be absent, inactive, or
// ordered after local.
func ShouldClaim(winner, local, holder string, holderActive bool) bool {
	if winner == "" || winner != local || holder == local {
		return false
	}
	return holder == "" || !holderActive || Less(local, holder)
}

// ShouldHandOff reports whether local, currently holding authority, should
// pass it to winner. Only a higher winner is handed to: a lower one claims on
// its own, while a higher one never may claim from an active lower holder.
func ShouldHandOff(winner, local string) bool {
	return winner != "" && winner != local && Less(local, winner)
}

// Presence answers which peers are spatially close to a point.
type Presence interface {
	PeersNear(p mgl64.Vec3, radius float64) []string
}

type Liveness interface {
	IsActive(peer string) bool
}

// Resolver computes the peer that should hold authority for an anchor. It
// keeps no state between calls.
type Resolver struct {
	presence Presence
	live     Liveness
	radius   float64
}

func NewResolver(p Presence, l Liveness, radius float64) *Resolver {
	return &Resolver{presence: p, live: l, radius: radius}
}

func (r *Resolver) Radius() float64 { return r.radius }

// Resolve returns the lowest active peer within range of anchor, or "" when
// there is none.
func (r *Resolver) Resolve(anchor mgl64.Vec3) string {
	best := ""
	for _, id := range r.presence.PeersNear(anchor, r.radius) {
		if id == "" || !r.live.IsActive(id) {
			continue
		}
		if best == "" || Less(id, best) {
			best = id
		}
	}
	return best
}
