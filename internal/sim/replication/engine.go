// Package replication applies the authority and replication protocol to the
// entity registries of one peer: message handling with term-based conflict
// resolution, orphan buffering, authority claims and periodic broadcasts.
//
// An Engine is driven exclusively by the peer step loop.
package replication

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/interp"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
)

var ErrUnknownType = errors.New("unknown entity type")

// Broadcaster sends messages to the mesh. Both calls are fire-and-forget.
type Broadcaster interface {
	Broadcast(m protocol.Message)
	SendTo(peer string, m protocol.Message)
}

type Resolver interface {
	Resolve(anchor mgl64.Vec3) string
}

type Liveness interface {
	IsActive(peer string) bool
	Track(peer string, at time.Time)
}

type Config struct {
	Local    string
	Tuning   tuning.Tuning
	Resolver Resolver
	Liveness Liveness
	Out      Broadcaster
	Terrain  terrain.Sampler

	Cooldowns   entity.CooldownStore
	Visuals     entity.Visuals
	Transitions TransitionLogger
	Lifecycle   LifecycleLogger
	Logger      *log.Logger
}

type Engine struct {
	local    string
	tun      tuning.Tuning
	resolver Resolver
	live     Liveness
	out      Broadcaster
	terrain  terrain.Sampler
	interp   *interp.Engine

	regs  map[string]*entity.Registry
	types []string

	pending *pendingBuffers
	stats   Stats
	// graveReplies rate-limits tombstone answers per (entity, peer).
	graveReplies map[string]time.Time

	transitions TransitionLogger
	lifecycle   LifecycleLogger
	logger      *log.Logger

	tick uint64
	now  time.Time
}

func New(cfg Config, species ...entity.Species) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Out == nil {
		cfg.Out = discard{}
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = entity.NewMemoryCooldowns()
	}
	e := &Engine{
		local:    cfg.Local,
		tun:      cfg.Tuning,
		resolver: cfg.Resolver,
		live:     cfg.Liveness,
		out:      cfg.Out,
		terrain:  cfg.Terrain,
		interp:   interp.New(cfg.Tuning.Interp, cfg.Terrain),
		regs:     map[string]*entity.Registry{},
		pending:  newPendingBuffers(),

		graveReplies: map[string]time.Time{},
		transitions:  cfg.Transitions,
		lifecycle:    cfg.Lifecycle,
		logger:       cfg.Logger,
	}
	for _, sp := range species {
		e.regs[sp.Type] = entity.NewRegistry(entity.Config{
			Type:            sp.Type,
			Local:           cfg.Local,
			Species:         sp,
			RespawnCooldown: cfg.Tuning.RespawnCooldown(),
			CorpseLifetime:  cfg.Tuning.CorpseLifetime(),
			RegionSize:      cfg.Tuning.RegionSize,
			Cooldowns:       cfg.Cooldowns,
			Visuals:         cfg.Visuals,
		})
		e.types = append(e.types, sp.Type)
	}
	sort.Strings(e.types)
	return e
}

func (e *Engine) Local() string   { return e.local }
func (e *Engine) Types() []string { return append([]string(nil), e.types...) }
func (e *Engine) Tick() uint64    { return e.tick }

// Begin sets the step clock; DeathTick values and lookup kills use it.
func (e *Engine) Begin(tick uint64, now time.Time) {
	e.tick = tick
	e.now = now
}

func (e *Engine) Registry(typ string) *entity.Registry { return e.regs[typ] }

// Get finds a record by ID across all types.
func (e *Engine) Get(id string) *entity.Record {
	if reg := e.regs[entity.TypeOf(id)]; reg != nil {
		return reg.Get(id)
	}
	return nil
}

// Records returns every record, ordered by type then ID.
func (e *Engine) Records() []*entity.Record {
	var out []*entity.Record
	for _, typ := range e.types {
		out = append(out, e.regs[typ].All()...)
	}
	return out
}

func (e *Engine) Stats() Stats { return e.stats }

// Lookup exposes a type to other types' strategies.
func (e *Engine) Lookup(typ string) (entity.Lookup, bool) {
	reg := e.regs[typ]
	if reg == nil {
		return nil, false
	}
	return typeLookup{e: e, reg: reg}, true
}

type typeLookup struct {
	e   *Engine
	reg *entity.Registry
}

func (l typeLookup) EntitiesNear(p mgl64.Vec3, radius float64) []entity.View {
	return l.reg.EntitiesNear(p, radius)
}

func (l typeLookup) KillEntity(id, killer string) bool {
	if entity.TypeOf(id) != l.reg.Type() {
		return false
	}
	return l.e.Kill(id, killer, l.e.now)
}

func (e *Engine) registryFor(id, typ string) *entity.Registry {
	if typ == "" {
		typ = entity.TypeOf(id)
	}
	return e.regs[typ]
}

func (e *Engine) spawnMsg(r *entity.Record) protocol.SpawnMsg {
	return protocol.SpawnMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		EntityID:        r.ID,
		EntityType:      r.Type,
		AnchorID:        r.AnchorID,
		Anchor:          r.Anchor,
		Generation:      r.Generation,
		Pos:             r.Position,
		Rot:             r.Rotation,
		State:           r.State,
		AuthorityID:     r.AuthorityID,
		AuthorityTerm:   r.AuthorityTerm,
		SpawnedBy:       r.SpawnedBy,
		HP:              r.HP,
		TargetID:        r.TargetID,
		Dead:            r.IsDead,
		DeathTick:       r.DeathTick,
		KilledBy:        r.KilledBy,
	}
}

func (e *Engine) stateMsg(reg *entity.Registry, r *entity.Record) protocol.StateMsg {
	m := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		EntityID:        r.ID,
		EntityType:      r.Type,
		AuthorityID:     r.AuthorityID,
		AuthorityTerm:   r.AuthorityTerm,
		Pos:             r.Position,
		Rot:             r.Rotation,
		State:           r.State,
	}
	if rep := reg.Species().Rep; rep != nil {
		rep.WriteState(r, &m)
	}
	return m
}

func (e *Engine) broadcastState(reg *entity.Registry, r *entity.Record, now time.Time) {
	r.LastBroadcastAt = now
	e.out.Broadcast(e.stateMsg(reg, r))
	e.stats.StatesSent++
}

func (e *Engine) logTransition(r *entity.Record, from, reason string, now time.Time) {
	if e.transitions == nil {
		return
	}
	e.transitions.LogTransition(TransitionEvent{
		At:         now,
		Tick:       e.tick,
		Peer:       e.local,
		EntityID:   r.ID,
		EntityType: r.Type,
		From:       from,
		To:         r.AuthorityID,
		Term:       r.AuthorityTerm,
		Reason:     reason,
	})
}

func (e *Engine) logLifecycle(id, typ, event, detail string, now time.Time) {
	if e.lifecycle == nil {
		return
	}
	e.lifecycle.LogLifecycle(LifecycleEvent{
		At:         now,
		Tick:       e.tick,
		Peer:       e.local,
		EntityID:   id,
		EntityType: typ,
		Event:      event,
		Detail:     detail,
	})
}

func (e *Engine) String() string {
	return fmt.Sprintf("replication.Engine(%s, %d types)", e.local, len(e.types))
}

type discard struct{}

func (discard) Broadcast(protocol.Message)      {}
func (discard) SendTo(string, protocol.Message) {}
