package replication

import (
	"time"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/authority"
	"wildmesh.ai/internal/sim/entity"
)

// Handle applies one entity message. It reports false for message types the
// engine does not own (membership, presence, sync).
func (e *Engine) Handle(env protocol.Envelope, now time.Time) bool {
	switch m := env.Msg.(type) {
	case protocol.SpawnMsg:
		e.HandleSpawn(m, now)
	case protocol.StateMsg:
		e.HandleState(m, now)
	case protocol.DeathMsg:
		e.HandleDeath(m, now)
	case protocol.HarvestMsg:
		e.HandleHarvest(m, now)
	case protocol.DespawnMsg:
		e.HandleDespawn(m, now)
	default:
		return false
	}
	return true
}

func (e *Engine) HandleSpawn(m protocol.SpawnMsg, now time.Time) *entity.Record {
	reg := e.regs[m.EntityType]
	if reg == nil {
		e.stats.UnknownType++
		return nil
	}
	if reg.Tombstoned(m.EntityID) {
		e.stats.TombstoneDrops++
		e.pending.drop(m.EntityID)
		e.answerTombstone(reg, m.EntityID, m.AuthorityID, now)
		return nil
	}

	prev := reg.ByAnchor(m.AnchorID)
	out, r := reg.ApplyRemoteSpawn(m, now)
	switch out {
	case entity.SpawnAccepted, entity.SpawnSuperseded:
	case entity.SpawnRejected:
		e.stats.SpawnsRejected++
		e.logger.Printf("spawn %s rejected: id does not match type/anchor/generation", m.EntityID)
		return nil
	default:
		e.stats.SpawnsIgnored++
		return nil
	}

	e.live.Track(m.AuthorityID, now)
	if out == entity.SpawnSuperseded {
		e.stats.SpawnsSuperseded++
		from := ""
		if prev != nil {
			from = prev.AuthorityID
			if prev.ID != r.ID {
				e.pending.drop(prev.ID)
			}
		}
		e.logLifecycle(r.ID, r.Type, EventSuperseded, "spawned_by="+m.SpawnedBy, now)
		e.logTransition(r, from, ReasonSupersede, now)
	} else {
		e.stats.RemoteSpawns++
		e.logLifecycle(r.ID, r.Type, EventRemoteSpawn, "spawned_by="+m.SpawnedBy, now)
		e.logTransition(r, "", ReasonSpawn, now)
	}
	if m.Dead {
		e.applyDeath(reg, r.ID, entity.DeathData{KilledBy: m.KilledBy, DeathTick: m.DeathTick}, now)
	}
	e.replayPending(reg, r, now)
	return reg.Get(m.EntityID)
}

func (e *Engine) HandleState(m protocol.StateMsg, now time.Time) {
	reg := e.registryFor(m.EntityID, m.EntityType)
	if reg == nil {
		e.stats.UnknownType++
		return
	}
	if reg.Tombstoned(m.EntityID) {
		e.stats.TombstoneDrops++
		e.answerTombstone(reg, m.EntityID, m.AuthorityID, now)
		return
	}
	r := reg.Get(m.EntityID)
	if r == nil {
		e.bufferState(m, now)
		return
	}
	e.applyState(reg, r, m, now)
}

func (e *Engine) bufferState(m protocol.StateMsg, now time.Time) {
	if e.pending.addState(m, now) {
		e.stats.OrphansBuffered++
	} else {
		e.stats.OrphansDropped++
	}
}

// applyState resolves the (term, authority) claim carried by m against r and,
// when r is mirrored, retargets interpolation.
func (e *Engine) applyState(reg *entity.Registry, r *entity.Record, m protocol.StateMsg, now time.Time) {
	e.live.Track(m.AuthorityID, now)

	switch {
	case authority.Wins(m.AuthorityTerm, m.AuthorityID, r.AuthorityTerm, r.AuthorityID):
		prev := r.AuthorityID
		r.AuthorityID = m.AuthorityID
		r.AuthorityTerm = m.AuthorityTerm
		r.Paused = false
		r.HandedOffAt = time.Time{}
		e.stats.Adoptions++
		e.logTransition(r, prev, ReasonAdopt, now)
		if prev == e.local && r.AuthorityID != e.local {
			e.logger.Printf("lost authority over %s to %s (term %d)", r.ID, r.AuthorityID, r.AuthorityTerm)
		}
		if r.AuthorityID == e.local && prev != e.local {
			// Handed to us: continue from the sender's pose.
			e.takePose(reg, r, m)
			r.LastBroadcastAt = time.Time{}
			if m.State == entity.StateDead {
				e.applyDeath(reg, r.ID, entity.DeathData{}, now)
			}
			return
		}
	case m.AuthorityTerm == r.AuthorityTerm && m.AuthorityID == r.AuthorityID:
		if r.AuthorityID != e.local {
			r.HandedOffAt = time.Time{}
		}
	default:
		e.stats.StatesStale++
		return
	}

	if r.AuthorityID == e.local {
		return
	}
	e.stats.StatesApplied++
	r.LastStateAt = now
	if r.IsDead {
		return
	}
	if m.State == entity.StateDead {
		// The holder's Death never reached us.
		e.applyDeath(reg, r.ID, entity.DeathData{}, now)
		return
	}
	r.TargetPosition = m.Pos
	r.TargetRotation = m.Rot
	r.HasTarget = true
	if m.State != "" && m.State != entity.StateDead {
		r.State = m.State
	}
	if rep := reg.Species().Rep; rep != nil {
		rep.ReadState(r, m)
	}
}

func (e *Engine) takePose(reg *entity.Registry, r *entity.Record, m protocol.StateMsg) {
	if r.IsDead {
		return
	}
	r.Position = m.Pos
	r.Rotation = m.Rot
	r.TargetPosition = m.Pos
	r.TargetRotation = m.Rot
	r.HasTarget = false
	r.Brain = entity.Brain{}
	if m.State != "" && m.State != entity.StateDead {
		r.State = m.State
	}
	if rep := reg.Species().Rep; rep != nil {
		rep.ReadState(r, m)
	}
}

func (e *Engine) HandleDeath(m protocol.DeathMsg, now time.Time) {
	reg := e.registryFor(m.EntityID, "")
	if reg == nil {
		e.stats.UnknownType++
		return
	}
	if reg.Tombstoned(m.EntityID) {
		e.stats.TombstoneDrops++
		return
	}
	if reg.Get(m.EntityID) == nil {
		if e.pending.addDeath(m, now) {
			e.stats.OrphansBuffered++
		} else {
			e.stats.OrphansDropped++
		}
		return
	}
	e.applyDeath(reg, m.EntityID, entity.DeathData{KilledBy: m.KilledBy, DeathTick: m.DeathTick}, now)
}

func (e *Engine) applyDeath(reg *entity.Registry, id string, d entity.DeathData, now time.Time) bool {
	if !reg.ApplyDeath(id, d, now) {
		return false
	}
	e.stats.Deaths++
	e.logLifecycle(id, reg.Type(), EventDeath, "killed_by="+d.KilledBy, now)
	return true
}

func (e *Engine) HandleHarvest(m protocol.HarvestMsg, now time.Time) {
	reg := e.registryFor(m.EntityID, "")
	if reg == nil {
		e.stats.UnknownType++
		return
	}
	if reg.Tombstoned(m.EntityID) {
		// Already harvested or despawned here.
		e.stats.TombstoneDrops++
		return
	}
	if reg.Get(m.EntityID) == nil {
		if e.pending.addHarvest(m.EntityID, now) {
			e.stats.OrphansBuffered++
		} else {
			e.stats.OrphansDropped++
		}
		return
	}
	e.applyHarvest(reg, m.EntityID, m.By, now)
}

func (e *Engine) applyHarvest(reg *entity.Registry, id, by string, now time.Time) bool {
	if !reg.ApplyHarvest(id, now) {
		e.stats.HarvestNoops++
		return false
	}
	e.stats.Harvests++
	e.pending.drop(id)
	e.logLifecycle(id, reg.Type(), EventHarvest, "by="+by, now)
	return true
}

func (e *Engine) HandleDespawn(m protocol.DespawnMsg, now time.Time) {
	reg := e.registryFor(m.EntityID, "")
	if reg == nil {
		e.stats.UnknownType++
		return
	}
	e.pending.drop(m.EntityID)
	if reg.Despawn(m.EntityID, m.Reason, now) {
		e.stats.Despawns++
		e.logLifecycle(m.EntityID, reg.Type(), EventDespawn, m.Reason, now)
	}
}

// replayPending applies orphaned messages once r exists, in the order a
// correctly-ordered stream would have delivered them.
func (e *Engine) replayPending(reg *entity.Registry, r *entity.Record, now time.Time) {
	states, death, harvest := e.pending.take(r.ID)
	for _, s := range states {
		if reg.Get(r.ID) == nil {
			return
		}
		e.applyState(reg, r, s.msg, now)
		e.stats.OrphansReplayed++
	}
	if death != nil {
		e.applyDeath(reg, r.ID, entity.DeathData{KilledBy: death.msg.KilledBy, DeathTick: death.msg.DeathTick}, now)
		e.stats.OrphansReplayed++
	}
	if harvest {
		e.applyHarvest(reg, r.ID, "", now)
		e.stats.OrphansReplayed++
	}
}
