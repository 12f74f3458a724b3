// Package interp moves mirrored entities toward the last pose their holder
// broadcast.
package interp

import (
	"math"

	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
)

type Result int

const (
	Idle Result = iota
	Moving
	Snapped
	Teleported
)

func (r Result) String() string {
	switch r {
	case Moving:
		return "moving"
	case Snapped:
		return "snapped"
	case Teleported:
		return "teleported"
	}
	return "idle"
}

// minSpeed keeps mirrors converging when the target moved while the entity's
// state has no movement speed (idle, attacking).
const minSpeed = 1.0

type Engine struct {
	cfg     tuning.Interp
	terrain terrain.Sampler
}

func New(cfg tuning.Interp, t terrain.Sampler) *Engine {
	return &Engine{cfg: cfg, terrain: t}
}

// Step advances one mirrored record by dt seconds. speed is the movement
// speed for the record's behavior state; turnRate is in radians per second.
func (e *Engine) Step(r *entity.Record, speed, turnRate, dt float64) Result {
	res := Idle
	if r.HasTarget {
		res = e.stepXZ(r, speed, turnRate, dt)
	}
	if res != Teleported {
		e.stepHeight(r, dt)
	}
	return res
}

func (e *Engine) stepXZ(r *entity.Record, speed, turnRate, dt float64) Result {
	d2 := mathx.DistSqXZ(r.Position, r.TargetPosition)
	tp := e.cfg.TeleportDist * e.cfg.TeleportDist
	sn := e.cfg.SnapDist * e.cfg.SnapDist

	switch {
	case d2 >= tp:
		r.Position = r.TargetPosition
		r.Rotation = r.TargetRotation
		r.Smooth.GroundY = r.TargetPosition.Y()
		r.Smooth.Grounded = false
		return Teleported
	case d2 <= sn:
		if d2 == 0 {
			e.turn(r, r.TargetRotation, turnRate, dt)
			return Idle
		}
		r.Position[0] = r.TargetPosition.X()
		r.Position[2] = r.TargetPosition.Z()
		e.turn(r, r.TargetRotation, turnRate, dt)
		return Snapped
	}

	v := speed
	if v < minSpeed {
		v = minSpeed
	}
	if d2 > e.cfg.CatchUpDist*e.cfg.CatchUpDist {
		v *= e.cfg.CatchUpFactor
	}
	facing := mathx.YawTowards(r.Position, r.TargetPosition)
	r.Position, _ = mathx.MoveTowardsXZ(r.Position, r.TargetPosition, v*dt)
	e.turn(r, facing, turnRate, dt)
	return Moving
}

func (e *Engine) turn(r *entity.Record, target, turnRate, dt float64) {
	if turnRate <= 0 {
		r.Rotation = mathx.WrapAngle(target)
		return
	}
	r.Rotation = mathx.SlewAngle(r.Rotation, target, turnRate*dt)
}

// stepHeight follows the ground independently of XZ motion: it resamples the
// terrain every few frames and blends toward it exponentially.
func (e *Engine) stepHeight(r *entity.Record, dt float64) {
	s := &r.Smooth
	if e.terrain == nil {
		s.GroundY = r.TargetPosition.Y()
		s.Grounded = true
	} else if !s.Grounded || s.Frame%e.cfg.HeightSampleFrames == 0 {
		s.GroundY = e.terrain.HeightAt(r.Position.X(), r.Position.Z())
		if !s.Grounded {
			r.Position[1] = s.GroundY
		}
		s.Grounded = true
	}
	s.Frame++

	k := 1 - math.Exp(-e.cfg.HeightBlendRate*dt)
	r.Position[1] += (s.GroundY - r.Position.Y()) * k
}
