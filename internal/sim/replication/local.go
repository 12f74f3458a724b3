package replication

import (
	"fmt"
	"time"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
)

// Spawn creates a new life for the anchor held by the local peer and
// broadcasts it.
func (e *Engine) Spawn(a entity.AnchorSpec, now time.Time) (*entity.Record, error) {
	reg := e.regs[a.Type]
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, a.Type)
	}
	r, err := reg.Spawn(a, now)
	if err != nil {
		return nil, err
	}
	if e.terrain != nil {
		r.Position[1] = e.terrain.HeightAt(r.Position.X(), r.Position.Z())
		r.TargetPosition = r.Position
	}
	r.LastBroadcastAt = now
	e.out.Broadcast(e.spawnMsg(r))
	e.stats.LocalSpawns++
	e.logLifecycle(r.ID, r.Type, EventSpawn, "anchor="+a.ID, now)
	e.logTransition(r, "", ReasonSpawn, now)
	e.replayPending(reg, r, now)
	return r, nil
}

// CanSpawn reports whether a local spawn for the anchor would succeed now.
func (e *Engine) CanSpawn(a entity.AnchorSpec, now time.Time) error {
	reg := e.regs[a.Type]
	if reg == nil {
		return fmt.Errorf("%w: %s", ErrUnknownType, a.Type)
	}
	return reg.CanSpawn(a.ID, now)
}

// Kill marks an entity dead locally and broadcasts the death.
func (e *Engine) Kill(id, killer string, now time.Time) bool {
	reg := e.registryFor(id, "")
	if reg == nil {
		return false
	}
	d := entity.DeathData{KilledBy: killer, DeathTick: e.tick}
	if !e.applyDeath(reg, id, d, now) {
		return false
	}
	e.out.Broadcast(protocol.DeathMsg{
		Type:            protocol.TypeDeath,
		ProtocolVersion: protocol.Version,
		EntityID:        id,
		KilledBy:        killer,
		DeathTick:       d.DeathTick,
	})
	return true
}

// Harvest completes harvesting of a dead entity and broadcasts it.
func (e *Engine) Harvest(id, by string, now time.Time) bool {
	reg := e.registryFor(id, "")
	if reg == nil || reg.Get(id) == nil {
		return false
	}
	if !e.applyHarvest(reg, id, by, now) {
		return false
	}
	e.out.Broadcast(protocol.HarvestMsg{
		Type:            protocol.TypeHarvest,
		ProtocolVersion: protocol.Version,
		EntityID:        id,
		By:              by,
	})
	return true
}

// Despawn removes an entity everywhere.
func (e *Engine) Despawn(id, reason string, now time.Time) bool {
	reg := e.registryFor(id, "")
	if reg == nil {
		return false
	}
	e.pending.drop(id)
	if !reg.Despawn(id, reason, now) {
		return false
	}
	e.stats.Despawns++
	e.logLifecycle(id, reg.Type(), EventDespawn, reason, now)
	e.out.Broadcast(protocol.DespawnMsg{
		Type:            protocol.TypeDespawn,
		ProtocolVersion: protocol.Version,
		EntityID:        id,
		Reason:          reason,
	})
	return true
}

// Simulate advances every live, unpaused record the local peer holds.
func (e *Engine) Simulate(now time.Time, dt float64) int {
	n := 0
	for _, typ := range e.types {
		reg := e.regs[typ]
		sp := reg.Species()
		if sp.Sim == nil {
			continue
		}
		step := &entity.Step{
			Now:     now,
			Tick:    e.tick,
			Dt:      dt,
			Local:   e.local,
			Species: sp.Tuning,
			Others:  e,
			Terrain: e.terrain,
		}
		for _, r := range reg.All() {
			if r.AuthorityID != e.local || r.Paused || r.IsDead {
				continue
			}
			sp.Sim.Simulate(r, step)
			n++
		}
	}
	return n
}

// Interpolate moves mirrored records toward their last received pose.
func (e *Engine) Interpolate(dt float64) int {
	n := 0
	for _, typ := range e.types {
		reg := e.regs[typ]
		sp := reg.Species().Tuning
		for _, r := range reg.All() {
			if r.AuthorityID == e.local {
				continue
			}
			speed := 0.0
			if !r.IsDead {
				speed = sp.Speed(r.State)
			}
			e.interp.Step(r, speed, sp.TurnRate, dt)
			n++
		}
	}
	return n
}

// Corpses are re-announced this many state intervals apart, so a mirror
// that lost the Death still learns of it.
const corpseStateFactor = 4

// BroadcastStates sends a State for each held, unpaused record whose
// per-type interval has elapsed.
func (e *Engine) BroadcastStates(now time.Time) int {
	n := 0
	for _, typ := range e.types {
		reg := e.regs[typ]
		every := reg.Species().Tuning.StateInterval()
		for _, r := range reg.All() {
			if r.AuthorityID != e.local || r.Paused {
				continue
			}
			wait := every
			if r.IsDead {
				wait *= corpseStateFactor
			}
			if !r.LastBroadcastAt.IsZero() && now.Sub(r.LastBroadcastAt) < wait {
				continue
			}
			e.broadcastState(reg, r, now)
			n++
		}
	}
	return n
}
