package behavior

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/tuning"
)

// Worker shuttles between its home structure and a fixed work site, heading
// home early when a wolf is close.
type Worker struct{}

func (Worker) InitRecord(r *entity.Record, a entity.AnchorSpec, sp tuning.Species) {
	initCommon(r, a, sp)
}

// workSite is fixed per anchor so every life of a worker uses the same site.
func workSite(r *entity.Record, radius float64) mgl64.Vec3 {
	h := mathx.Hash2(mathx.HashString(r.AnchorID), 1, 1)
	ang := mathx.Unit(h) * 2 * math.Pi
	return r.Anchor.Add(mgl64.Vec3{math.Sin(ang) * radius, 0, math.Cos(ang) * radius})
}

func (Worker) Simulate(r *entity.Record, s *entity.Step) {
	if r.IsDead {
		return
	}
	if _, ok := nearest(r.Position, lookupNear(s, "wolf", r.Position, s.Species.SenseRadius), s.Species.SenseRadius); ok && r.State != StateReturning {
		r.State = StateReturning
	}

	switch r.State {
	case StateWalking:
		site := workSite(r, s.Species.WanderRadius)
		r.TargetID = "site:" + r.AnchorID
		if moveToward(r, s, site) {
			r.State = StateWorking
			r.Brain.Until = s.Now.Add(5*time.Second + time.Duration(s.Rand(r, 4)*float64(5*time.Second)))
		}
	case StateWorking:
		if s.Now.After(r.Brain.Until) {
			r.State = StateReturning
		}
	case StateReturning:
		r.TargetID = ""
		if moveToward(r, s, r.Anchor) {
			r.State = StateIdle
			idleFor(r, s, 3*time.Second, 6*time.Second)
		}
	default:
		if s.Now.Before(r.Brain.Until) {
			return
		}
		r.State = StateWalking
	}
}

func (Worker) WriteState(r *entity.Record, m *protocol.StateMsg) {
	entity.BasicReplication{}.WriteState(r, m)
}

func (Worker) ReadState(r *entity.Record, m protocol.StateMsg) {
	entity.BasicReplication{}.ReadState(r, m)
}
