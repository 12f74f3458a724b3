package replication

import "time"

// Authority transition reasons.
const (
	ReasonSpawn     = "spawn"
	ReasonClaim     = "claim"
	ReasonAdopt     = "adopt"
	ReasonHandOff   = "handoff"
	ReasonSupersede = "supersede"
)

// Lifecycle events.
const (
	EventSpawn        = "spawn"
	EventRemoteSpawn  = "remote_spawn"
	EventSuperseded   = "superseded"
	EventDeath        = "death"
	EventHarvest      = "harvest"
	EventDespawn      = "despawn"
	EventRegionUnload = "region_unload"
	EventBuried       = "buried"
)

// TransitionEvent records one change of an entity's (authority, term).
type TransitionEvent struct {
	At         time.Time `json:"at"`
	Tick       uint64    `json:"tick"`
	Peer       string    `json:"peer"`
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	Term       uint64    `json:"term"`
	Reason     string    `json:"reason"`
}

type TransitionLogger interface {
	LogTransition(ev TransitionEvent)
}

type LifecycleEvent struct {
	At         time.Time `json:"at"`
	Tick       uint64    `json:"tick"`
	Peer       string    `json:"peer"`
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
}

type LifecycleLogger interface {
	LogLifecycle(ev LifecycleEvent)
}

// Stats are lifetime counters of one engine.
type Stats struct {
	LocalSpawns      uint64
	RemoteSpawns     uint64
	SpawnsSuperseded uint64
	SpawnsIgnored    uint64
	SpawnsRejected   uint64

	StatesApplied uint64
	StatesStale   uint64
	StatesSent    uint64

	OrphansBuffered uint64
	OrphansReplayed uint64
	OrphansExpired  uint64
	OrphansDropped  uint64

	TombstoneDrops uint64
	UnknownType    uint64
	GravesApplied  uint64
	GraveReplies   uint64

	Deaths       uint64
	Harvests     uint64
	HarvestNoops uint64
	Despawns     uint64

	Claims     uint64
	Adoptions  uint64
	HandOffs   uint64
	Pauses     uint64
	JoinChecks uint64
}

// Gauges summarize the current registries.
type Gauges struct {
	Entities   map[string]int
	Held       int
	Mirrored   int
	Dead       int
	Paused     int
	Pending    int
	Tombstones int
}
