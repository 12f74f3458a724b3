// Package behavior holds the per-type simulation strategies run by the peer
// that holds an entity. None of it is part of the replication protocol.
package behavior

import (
	"math"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/tuning"
)

// Behavior states shared by the built-in types.
const (
	StateIdle      = "idle"
	StateWandering = "wandering"
	StateFleeing   = "fleeing"
	StateChasing   = "chasing"
	StateAttacking = "attacking"
	StateWalking   = "walking"
	StateWorking   = "working"
	StateReturning = "returning"
)

// Strategy is the full capability set of a built-in type.
type Strategy interface {
	entity.SpawnableFromAnchor
	entity.AuthoritativeSimulatable
	entity.Replicable
}

var builtins = map[string]func() Strategy{
	"deer":   func() Strategy { return Deer{} },
	"wolf":   func() Strategy { return Wolf{} },
	"worker": func() Strategy { return Worker{} },
}

// Types lists the built-in entity types, sorted.
func Types() []string {
	out := make([]string, 0, len(builtins))
	for k := range builtins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SpeciesFor composes the built-in strategy for typ with its tuning.
func SpeciesFor(typ string, t tuning.Tuning) (entity.Species, bool) {
	mk, ok := builtins[typ]
	if !ok {
		return entity.Species{}, false
	}
	s := mk()
	return entity.Species{
		Type:    typ,
		Tuning:  t.Species[typ],
		Spawner: s,
		Sim:     s,
		Rep:     s,
	}, true
}

// All returns every built-in species configured in t.
func All(t tuning.Tuning) []entity.Species {
	var out []entity.Species
	for _, typ := range Types() {
		if _, ok := t.Species[typ]; !ok {
			continue
		}
		sp, _ := SpeciesFor(typ, t)
		out = append(out, sp)
	}
	return out
}

// initCommon places a new life at its anchor facing a per-life heading.
func initCommon(r *entity.Record, a entity.AnchorSpec, sp tuning.Species) {
	h := mathx.Hash2(mathx.HashString(r.ID), 0, 0)
	r.Rotation = mathx.WrapAngle(mathx.Unit(h) * 2 * math.Pi)
	r.Position = a.Pos
	r.HP = sp.MaxHP
	r.State = StateIdle
}

// moveToward advances r toward goal at the state's speed, turning no faster
// than the species turn rate, and keeps it on the ground.
func moveToward(r *entity.Record, s *entity.Step, goal mgl64.Vec3) bool {
	speed := s.Species.Speed(r.State)
	if speed <= 0 {
		return false
	}
	if mathx.DistSqXZ(r.Position, goal) > 1e-6 {
		r.Rotation = mathx.SlewAngle(r.Rotation, mathx.YawTowards(r.Position, goal), s.Species.TurnRate*s.Dt)
	}
	next, arrived := mathx.MoveTowardsXZ(r.Position, goal, speed*s.Dt)
	next[1] = s.GroundY(next)
	r.Position = next
	return arrived
}

// wanderGoal picks a deterministic point within radius of the anchor.
func wanderGoal(r *entity.Record, s *entity.Step, radius float64) mgl64.Vec3 {
	ang := s.Rand(r, 1) * 2 * math.Pi
	dist := math.Sqrt(s.Rand(r, 2)) * radius
	g := r.Anchor.Add(mgl64.Vec3{math.Sin(ang) * dist, 0, math.Cos(ang) * dist})
	g[1] = s.GroundY(g)
	return g
}

func idleFor(r *entity.Record, s *entity.Step, min, max time.Duration) {
	span := float64(max - min)
	r.Brain.Until = s.Now.Add(min + time.Duration(s.Rand(r, 3)*span))
	r.Brain.HasGoal = false
}

// wander alternates idle pauses with walks to random points near the anchor.
func wander(r *entity.Record, s *entity.Step) {
	if r.State == StateWandering {
		if !r.Brain.HasGoal || moveToward(r, s, r.Brain.Goal) {
			idleFor(r, s, 2*time.Second, 6*time.Second)
			r.State = StateIdle
		}
		return
	}
	if s.Now.Before(r.Brain.Until) {
		return
	}
	r.Brain.Goal = wanderGoal(r, s, s.Species.WanderRadius)
	r.Brain.HasGoal = true
	r.State = StateWandering
}

// nearest returns the closest live view within radius, if any.
func nearest(from mgl64.Vec3, views []entity.View, radius float64) (entity.View, bool) {
	best, bestD := entity.View{}, radius*radius
	found := false
	for _, v := range views {
		if v.IsDead {
			continue
		}
		if d := mathx.DistSqXZ(from, v.Position); d <= bestD {
			best, bestD, found = v, d, true
		}
	}
	return best, found
}

func lookupNear(s *entity.Step, typ string, p mgl64.Vec3, radius float64) []entity.View {
	if s.Others == nil {
		return nil
	}
	l, ok := s.Others.Lookup(typ)
	if !ok {
		return nil
	}
	return l.EntitiesNear(p, radius)
}
