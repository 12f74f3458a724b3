package behavior

import (
	"time"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/tuning"
)

// Deer wander around their anchor and flee from nearby wolves.
type Deer struct{}

func (Deer) InitRecord(r *entity.Record, a entity.AnchorSpec, sp tuning.Species) {
	initCommon(r, a, sp)
}

func (Deer) Simulate(r *entity.Record, s *entity.Step) {
	if r.IsDead {
		return
	}
	if wolf, ok := nearest(r.Position, lookupNear(s, "wolf", r.Position, s.Species.SenseRadius), s.Species.SenseRadius); ok {
		away := r.Position.Sub(wolf.Position)
		away[1] = 0
		if away.Len() < 1e-6 {
			away[0] = 1
		}
		r.State = StateFleeing
		r.TargetID = wolf.ID
		goal := r.Position.Add(away.Normalize().Mul(4))
		moveToward(r, s, goal)
		return
	}
	r.TargetID = ""
	if r.State == StateFleeing {
		idleFor(r, s, time.Second, 3*time.Second)
		r.State = StateIdle
		return
	}
	wander(r, s)
}

func (Deer) WriteState(r *entity.Record, m *protocol.StateMsg) {
	entity.BasicReplication{}.WriteState(r, m)
}

func (Deer) ReadState(r *entity.Record, m protocol.StateMsg) {
	entity.BasicReplication{}.ReadState(r, m)
}
