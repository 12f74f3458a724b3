package behavior

import (
	"time"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/tuning"
)

const (
	// A wolf must stay in reach this long before the kill lands.
	wolfWindup = time.Second
	// A wolf gives up a chase this many wander radii from home.
	wolfLeash = 2.0
)

// Wolf patrols around its den, chases deer in range and kills them.
type Wolf struct{}

func (Wolf) InitRecord(r *entity.Record, a entity.AnchorSpec, sp tuning.Species) {
	initCommon(r, a, sp)
}

func (Wolf) Simulate(r *entity.Record, s *entity.Step) {
	if r.IsDead {
		return
	}
	leash := s.Species.WanderRadius * wolfLeash
	if mathx.DistSqXZ(r.Position, r.Anchor) > leash*leash {
		r.State = StateWandering
		r.TargetID = ""
		r.Brain.Goal = r.Anchor
		r.Brain.HasGoal = true
		moveToward(r, s, r.Anchor)
		return
	}

	prey, ok := nearest(r.Position, lookupNear(s, "deer", r.Position, s.Species.SenseRadius), s.Species.SenseRadius)
	if !ok {
		r.TargetID = ""
		if r.State == StateChasing || r.State == StateAttacking {
			r.State = StateIdle
			idleFor(r, s, time.Second, 4*time.Second)
		}
		wander(r, s)
		return
	}

	r.TargetID = prey.ID
	reach := s.Species.AttackRange
	if mathx.DistSqXZ(r.Position, prey.Position) > reach*reach {
		r.State = StateChasing
		moveToward(r, s, prey.Position)
		return
	}

	r.Rotation = mathx.SlewAngle(r.Rotation, mathx.YawTowards(r.Position, prey.Position), s.Species.TurnRate*s.Dt)
	if r.State != StateAttacking {
		r.State = StateAttacking
		r.Brain.LastAttack = s.Now
		return
	}
	if s.Now.Sub(r.Brain.LastAttack) < wolfWindup {
		return
	}
	if l, ok := s.Others.Lookup("deer"); ok && l.KillEntity(prey.ID, r.ID) {
		r.TargetID = ""
		r.State = StateIdle
		idleFor(r, s, 3*time.Second, 8*time.Second)
	}
}

func (Wolf) WriteState(r *entity.Record, m *protocol.StateMsg) {
	entity.BasicReplication{}.WriteState(r, m)
}

func (Wolf) ReadState(r *entity.Record, m protocol.StateMsg) {
	entity.BasicReplication{}.ReadState(r, m)
}
