package entity

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
)

// SpawnableFromAnchor initializes a fresh record for a new anchor life.
type SpawnableFromAnchor interface {
	InitRecord(r *Record, a AnchorSpec, sp tuning.Species)
}

// AuthoritativeSimulatable advances a record the local peer holds.
type AuthoritativeSimulatable interface {
	Simulate(r *Record, s *Step)
}

// Replicable carries type-specific fields in State messages.
type Replicable interface {
	WriteState(r *Record, m *protocol.StateMsg)
	ReadState(r *Record, m protocol.StateMsg)
}

// Species composes the capabilities of one entity type.
type Species struct {
	Type    string
	Tuning  tuning.Species
	Spawner SpawnableFromAnchor
	Sim     AuthoritativeSimulatable
	Rep     Replicable
}

// Lookup is the narrow query surface one type exposes to others.
type Lookup interface {
	EntitiesNear(p mgl64.Vec3, radius float64) []View
	KillEntity(id, killer string) bool
}

// Directory resolves a type tag to its Lookup.
type Directory interface {
	Lookup(typ string) (Lookup, bool)
}

// Step is the context handed to a simulation strategy for one tick.
type Step struct {
	Now     time.Time
	Tick    uint64
	Dt      float64
	Local   string
	Species tuning.Species
	Others  Directory
	Terrain terrain.Sampler
}

// Rand is a deterministic per-entity, per-tick random value in [0,1).
func (s *Step) Rand(r *Record, salt int) float64 {
	return mathx.Unit(mathx.Hash2(mathx.HashString(r.ID)+int64(salt), int(s.Tick), salt))
}

// GroundY samples terrain under p, or keeps p's height without a sampler.
func (s *Step) GroundY(p mgl64.Vec3) float64 {
	if s.Terrain == nil {
		return p.Y()
	}
	return s.Terrain.HeightAt(p.X(), p.Z())
}

// BasicReplication copies HP and TargetID, which every built-in type uses.
type BasicReplication struct{}

func (BasicReplication) WriteState(r *Record, m *protocol.StateMsg) {
	m.HP = r.HP
	m.TargetID = r.TargetID
}

func (BasicReplication) ReadState(r *Record, m protocol.StateMsg) {
	r.HP = m.HP
	r.TargetID = m.TargetID
}

// Visuals is the external presentation collaborator. Calls happen on the
// step goroutine.
type Visuals interface {
	OnSpawn(r *Record)
	OnDeath(r *Record)
	OnHarvest(r *Record)
	OnRemove(r *Record, reason string)
}

type NopVisuals struct{}

func (NopVisuals) OnSpawn(*Record)          {}
func (NopVisuals) OnDeath(*Record)          {}
func (NopVisuals) OnHarvest(*Record)        {}
func (NopVisuals) OnRemove(*Record, string) {}
