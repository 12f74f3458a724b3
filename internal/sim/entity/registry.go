package entity

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/authority"
	"wildmesh.ai/internal/sim/mathx"
)

var (
	ErrAnchorOccupied  = errors.New("anchor already has an entity")
	ErrRespawnCooldown = errors.New("anchor respawn cooldown active")
	ErrWrongType       = errors.New("anchor type does not match registry")
	ErrInvalidAnchor   = errors.New("invalid anchor")
)

type SpawnOutcome int

const (
	SpawnAccepted SpawnOutcome = iota + 1
	// SpawnSuperseded: a local copy lost the race and was replaced.
	SpawnSuperseded
	SpawnDuplicateIgnored
	// SpawnStale: tombstoned ID or an older life of the anchor.
	SpawnStale
	// SpawnRejected: the message does not describe an entity of this type.
	SpawnRejected
)

func (o SpawnOutcome) String() string {
	switch o {
	case SpawnAccepted:
		return "accepted"
	case SpawnSuperseded:
		return "superseded"
	case SpawnDuplicateIgnored:
		return "duplicate_ignored"
	case SpawnStale:
		return "stale"
	case SpawnRejected:
		return "rejected"
	}
	return "unknown"
}

type DeathData struct {
	KilledBy  string
	DeathTick uint64
}

// Removal reasons.
const (
	RemoveHarvested    = "harvested"
	RemoveDespawned    = "despawned"
	RemoveSuperseded   = "superseded"
	RemoveRegionUnload = "region_unload"
)

// Tombstone marks a removed ID so delayed messages cannot bring it back.
type Tombstone struct {
	Reason string
	At     time.Time
	// Anchor is known when the record itself was removed here, or when the
	// tombstone came from another peer's grave.
	Anchor    mgl64.Vec3
	HasAnchor bool
}

type Config struct {
	Type            string
	Local           string
	Species         Species
	RespawnCooldown time.Duration
	CorpseLifetime  time.Duration
	RegionSize      int
	Cooldowns       CooldownStore
	Visuals         Visuals
}

// Registry owns every record of one entity type on one peer. It is mutated
// only from the peer step loop.
type Registry struct {
	cfg Config

	byID     map[string]*Record
	byAnchor map[string]string
	gens     map[string]uint32
	tombs    map[string]Tombstone
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = NewMemoryCooldowns()
	}
	if cfg.Visuals == nil {
		cfg.Visuals = NopVisuals{}
	}
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = 32
	}
	if cfg.Species.Type == "" {
		cfg.Species.Type = cfg.Type
	}
	return &Registry{
		cfg:      cfg,
		byID:     map[string]*Record{},
		byAnchor: map[string]string{},
		gens:     map[string]uint32{},
		tombs:    map[string]Tombstone{},
	}
}

func (g *Registry) Type() string     { return g.cfg.Type }
func (g *Registry) Species() Species { return g.cfg.Species }
func (g *Registry) Len() int         { return len(g.byID) }

func (g *Registry) Get(id string) *Record { return g.byID[id] }

// All returns the records sorted by ID.
func (g *Registry) All() []*Record {
	out := make([]*Record, 0, len(g.byID))
	for _, r := range g.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByAnchor returns the record currently occupying an anchor.
func (g *Registry) ByAnchor(anchorID string) *Record {
	id, ok := g.byAnchor[anchorID]
	if !ok {
		return nil
	}
	return g.byID[id]
}

func (g *Registry) Tombstoned(id string) bool {
	_, ok := g.tombs[id]
	return ok
}

func (g *Registry) Tombstones() int { return len(g.tombs) }

// Generation is the last life number known for an anchor.
func (g *Registry) Generation(anchorID string) uint32 { return g.gens[anchorID] }

// CanSpawn reports whether a local spawn for the anchor would be accepted now.
func (g *Registry) CanSpawn(anchorID string, now time.Time) error {
	if _, ok := g.byAnchor[anchorID]; ok {
		return ErrAnchorOccupied
	}
	if at, ok := g.cfg.Cooldowns.LastDeath(CooldownKey(g.cfg.Type, anchorID)); ok {
		if now.Sub(at) < g.cfg.RespawnCooldown {
			return ErrRespawnCooldown
		}
	}
	return nil
}

// Spawn creates a new life for the anchor, held by the local peer at term 1.
// Broadcasting the spawn is the caller's job.
func (g *Registry) Spawn(a AnchorSpec, now time.Time) (*Record, error) {
	if a.ID == "" {
		return nil, ErrInvalidAnchor
	}
	if a.Type != g.cfg.Type {
		return nil, fmt.Errorf("%w: %s into %s", ErrWrongType, a.Type, g.cfg.Type)
	}
	if err := g.CanSpawn(a.ID, now); err != nil {
		return nil, err
	}
	gen := g.gens[a.ID] + 1
	id := FormatID(g.cfg.Type, a.ID, gen)
	for g.Tombstoned(id) {
		gen++
		id = FormatID(g.cfg.Type, a.ID, gen)
	}

	r := &Record{
		ID:             id,
		Type:           g.cfg.Type,
		AnchorID:       a.ID,
		Anchor:         a.Pos,
		Generation:     gen,
		Position:       a.Pos,
		TargetPosition: a.Pos,
		AuthorityID:    g.cfg.Local,
		AuthorityTerm:  1,
		SpawnedBy:      g.cfg.Local,
		State:          "idle",
		SpawnedAt:      now,
	}
	if g.cfg.Species.Spawner != nil {
		g.cfg.Species.Spawner.InitRecord(r, a, g.cfg.Species.Tuning)
	}
	r.TargetRotation = r.Rotation
	g.insert(r)
	g.cfg.Visuals.OnSpawn(r)
	return r, nil
}

// ApplyRemoteSpawn materializes a record announced by another peer. For the
// same life the lower spawner wins; a later life supersedes an earlier one.
func (g *Registry) ApplyRemoteSpawn(m protocol.SpawnMsg, now time.Time) (SpawnOutcome, *Record) {
	typ, anchorID, gen, ok := ParseID(m.EntityID)
	if !ok || typ != g.cfg.Type || m.EntityType != g.cfg.Type || anchorID != m.AnchorID || gen != m.Generation {
		return SpawnRejected, nil
	}
	if g.Tombstoned(m.EntityID) {
		return SpawnStale, nil
	}

	if cur := g.ByAnchor(anchorID); cur != nil {
		switch {
		case cur.Generation > gen:
			return SpawnStale, cur
		case cur.Generation < gen:
			g.remove(cur, RemoveSuperseded, now, true)
			r := g.recordFromSpawn(m, now)
			g.insert(r)
			g.cfg.Visuals.OnSpawn(r)
			return SpawnSuperseded, r
		case cur.IsDead:
			return SpawnDuplicateIgnored, cur
		case authority.Less(m.SpawnedBy, cur.SpawnedBy):
			// Same life, lower spawner: replace the local copy in place.
			g.cfg.Visuals.OnRemove(cur, RemoveSuperseded)
			r := g.recordFromSpawn(m, now)
			g.byID[r.ID] = r
			g.cfg.Visuals.OnSpawn(r)
			return SpawnSuperseded, r
		default:
			return SpawnDuplicateIgnored, cur
		}
	}

	if gen < g.gens[anchorID] {
		return SpawnStale, nil
	}
	r := g.recordFromSpawn(m, now)
	g.insert(r)
	g.cfg.Visuals.OnSpawn(r)
	return SpawnAccepted, r
}

func (g *Registry) recordFromSpawn(m protocol.SpawnMsg, now time.Time) *Record {
	return &Record{
		ID:             m.EntityID,
		Type:           m.EntityType,
		AnchorID:       m.AnchorID,
		Anchor:         m.Anchor,
		Generation:     m.Generation,
		Position:       m.Pos,
		Rotation:       m.Rot,
		TargetPosition: m.Pos,
		TargetRotation: m.Rot,
		HasTarget:      true,
		State:          m.State,
		AuthorityID:    m.AuthorityID,
		AuthorityTerm:  m.AuthorityTerm,
		SpawnedBy:      m.SpawnedBy,
		TargetID:       m.TargetID,
		HP:             m.HP,
		SpawnedAt:      now,
		LastStateAt:    now,
	}
}

// ApplyDeath marks a record dead. It reports false when the record is
// unknown or already dead.
func (g *Registry) ApplyDeath(id string, d DeathData, now time.Time) bool {
	r := g.byID[id]
	if r == nil || r.IsDead {
		return false
	}
	r.IsDead = true
	r.State = StateDead
	r.DeathTick = d.DeathTick
	r.KilledBy = d.KilledBy
	r.DiedAt = now
	r.TeardownAt = now.Add(g.cfg.CorpseLifetime)
	r.HasTarget = false
	r.TargetPosition = r.Position
	r.HP = 0
	r.TargetID = ""
	g.cfg.Cooldowns.RecordDeath(CooldownKey(g.cfg.Type, r.AnchorID), now)
	g.cfg.Visuals.OnDeath(r)
	return true
}

// ApplyHarvest completes harvesting of a dead record and removes it. It is a
// no-op for unknown, alive or already harvested records.
func (g *Registry) ApplyHarvest(id string, now time.Time) bool {
	r := g.byID[id]
	if r == nil || !r.IsDead || r.IsHarvested {
		return false
	}
	r.IsHarvested = true
	g.cfg.Visuals.OnHarvest(r)
	g.remove(r, RemoveHarvested, now, true)
	return true
}

// Despawn removes a record and tombstones its ID. Unknown IDs are tombstoned
// too, so a delayed spawn cannot resurrect them.
func (g *Registry) Despawn(id, reason string, now time.Time) bool {
	if reason == "" {
		reason = RemoveDespawned
	}
	r := g.byID[id]
	if r == nil {
		if _, anchorID, gen, ok := ParseID(id); ok {
			if gen > g.gens[anchorID] {
				g.gens[anchorID] = gen
			}
			if _, ok := g.tombs[id]; !ok {
				g.tombs[id] = Tombstone{Reason: reason, At: now}
			}
		}
		return false
	}
	g.remove(r, reason, now, true)
	return true
}

// RemoveForRegionUnload drops every record anchored in the region, whatever
// its authority or lifecycle state. No tombstones are left: the region may
// load again and mirror the same lives.
func (g *Registry) RemoveForRegionUnload(key mathx.RegionKey, now time.Time) []*Record {
	var out []*Record
	for _, r := range g.All() {
		if mathx.RegionOf(r.Anchor, g.cfg.RegionSize) != key {
			continue
		}
		g.remove(r, RemoveRegionUnload, now, false)
		out = append(out, r)
	}
	return out
}

// PruneTombstones forgets tombstones older than the respawn cooldown.
func (g *Registry) PruneTombstones(now time.Time) int {
	n := 0
	for id, t := range g.tombs {
		if now.Sub(t.At) > g.cfg.RespawnCooldown {
			delete(g.tombs, id)
			n++
		}
	}
	return n
}

// Graves lists the tombstones whose anchor is known and kept by keep, with
// the anchor's running respawn cooldown, sorted by ID.
func (g *Registry) Graves(now time.Time, keep func(anchor mgl64.Vec3) bool) []protocol.GraveMsg {
	var out []protocol.GraveMsg
	for id, t := range g.tombs {
		if !t.HasAnchor || (keep != nil && !keep(t.Anchor)) {
			continue
		}
		gr := protocol.GraveMsg{
			EntityID: id,
			Anchor:   t.Anchor,
			Reason:   t.Reason,
			AgeMS:    ageMS(now, t.At),
		}
		if _, anchorID, _, ok := ParseID(id); ok {
			if at, ok := g.cfg.Cooldowns.LastDeath(CooldownKey(g.cfg.Type, anchorID)); ok && now.Sub(at) < g.cfg.RespawnCooldown {
				gr.Died = true
				gr.DiedAgeMS = ageMS(now, at)
			}
		}
		out = append(out, gr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ApplyGrave adopts another peer's tombstone: the anchor's generation and
// cooldown move forward, and any local copy of that life or an earlier one
// is removed. It returns the removed record, if any, and false when the
// grave does not belong to this registry.
func (g *Registry) ApplyGrave(gr protocol.GraveMsg, now time.Time) (*Record, bool) {
	typ, anchorID, gen, ok := ParseID(gr.EntityID)
	if !ok || typ != g.cfg.Type {
		return nil, false
	}
	if gen > g.gens[anchorID] {
		g.gens[anchorID] = gen
	}
	if gr.Died {
		diedAt := now.Add(-time.Duration(gr.DiedAgeMS) * time.Millisecond)
		key := CooldownKey(g.cfg.Type, anchorID)
		if prev, ok := g.cfg.Cooldowns.LastDeath(key); !ok || diedAt.After(prev) {
			g.cfg.Cooldowns.RecordDeath(key, diedAt)
		}
	}

	reason := gr.Reason
	if reason == "" {
		reason = RemoveDespawned
	}
	var removed *Record
	if cur := g.ByAnchor(anchorID); cur != nil && cur.Generation <= gen {
		removed = cur
		g.remove(cur, reason, now, true)
	}
	if _, ok := g.tombs[gr.EntityID]; !ok {
		at := now.Add(-time.Duration(gr.AgeMS) * time.Millisecond)
		if now.Sub(at) <= g.cfg.RespawnCooldown {
			g.tombs[gr.EntityID] = Tombstone{Reason: reason, At: at, Anchor: gr.Anchor, HasAnchor: true}
		}
	}
	return removed, true
}

func ageMS(now, at time.Time) int64 {
	if d := now.Sub(at); d > 0 {
		return d.Milliseconds()
	}
	return 0
}

// EntitiesNear returns views of records within radius of p on the XZ plane.
func (g *Registry) EntitiesNear(p mgl64.Vec3, radius float64) []View {
	r2 := radius * radius
	var out []View
	for _, r := range g.All() {
		if mathx.DistSqXZ(r.Position, p) <= r2 {
			out = append(out, r.View())
		}
	}
	return out
}

func (g *Registry) insert(r *Record) {
	g.byID[r.ID] = r
	g.byAnchor[r.AnchorID] = r.ID
	if r.Generation > g.gens[r.AnchorID] {
		g.gens[r.AnchorID] = r.Generation
	}
}

func (g *Registry) remove(r *Record, reason string, now time.Time, tombstone bool) {
	delete(g.byID, r.ID)
	if g.byAnchor[r.AnchorID] == r.ID {
		delete(g.byAnchor, r.AnchorID)
	}
	if tombstone {
		g.tombs[r.ID] = Tombstone{Reason: reason, At: now, Anchor: r.Anchor, HasAnchor: true}
	}
	g.cfg.Visuals.OnRemove(r, reason)
}
