// Package peer runs one mesh participant: a single goroutine that owns the
// liveness oracle, presence directory, authority resolver, replication engine
// and spawn queue, and advances them once per step.
package peer

import (
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"wildmesh.ai/internal/persistence/snapshot"
	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/authority"
	"wildmesh.ai/internal/sim/behavior"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/liveness"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/presence"
	"wildmesh.ai/internal/sim/replication"
	"wildmesh.ai/internal/sim/spawnq"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
)

type Config struct {
	// ID is the peer's stable identity. A random UUID is used when empty.
	ID      string
	Tuning  tuning.Tuning
	Anchors []entity.AnchorSpec
	Terrain terrain.Sampler
	Out     replication.Broadcaster

	Cooldowns   entity.CooldownStore
	Visuals     entity.Visuals
	Transitions replication.TransitionLogger
	Lifecycle   replication.LifecycleLogger

	// SnapshotSink receives periodic and requested registry dumps. Sends
	// never block the step.
	SnapshotSink chan<- snapshot.SnapshotV1

	Logger *log.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// AnchorEvent reports a spawn structure appearing or disappearing.
type AnchorEvent struct {
	Anchor  entity.AnchorSpec
	Removed bool
}

// PeerEvent reports a transport connection change.
type PeerEvent struct {
	Peer      string
	Connected bool
}

type HarvestRequest struct {
	EntityID string
	By       string
}

// Inputs are everything collected between two steps.
type Inputs struct {
	Msgs          []protocol.Envelope
	Anchors       []AnchorEvent
	Positions     []mgl64.Vec3
	Harvests      []HarvestRequest
	RegionUnloads []mathx.RegionKey
	PeerEvents    []PeerEvent
}

func (in *Inputs) reset() {
	in.Msgs = in.Msgs[:0]
	in.Anchors = in.Anchors[:0]
	in.Positions = in.Positions[:0]
	in.Harvests = in.Harvests[:0]
	in.RegionUnloads = in.RegionUnloads[:0]
	in.PeerEvents = in.PeerEvents[:0]
}

type Peer struct {
	id     string
	cfg    Config
	tun    tuning.Tuning
	logger *log.Logger
	clock  func() time.Time

	live  *liveness.Oracle
	dir   *presence.Directory
	res   *authority.Resolver
	eng   *replication.Engine
	queue *spawnq.Queue[entity.AnchorSpec]
	out   replication.Broadcaster

	inbox      chan protocol.Envelope
	anchorsCh  chan AnchorEvent
	positions  chan mgl64.Vec3
	harvests   chan HarvestRequest
	unloads    chan mathx.RegionKey
	peerEvents chan PeerEvent
	admin      chan snapshotReq
	stop       chan struct{}

	anchors map[string]entity.AnchorSpec
	loaded  map[mathx.RegionKey]time.Time
	center  mathx.RegionKey
	hasPos  bool

	tick          uint64
	now           time.Time
	lastAuthCheck time.Time
	lastPeerPos   time.Time
	lastSnapshot  time.Time
	counters      Counters

	metrics atomic.Value
}

func New(cfg Config) (*Peer, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Out == nil {
		cfg.Out = nopOut{}
	}
	p := &Peer{
		id:     cfg.ID,
		cfg:    cfg,
		tun:    cfg.Tuning,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		out:    cfg.Out,

		inbox:      make(chan protocol.Envelope, 4096),
		anchorsCh:  make(chan AnchorEvent, 256),
		positions:  make(chan mgl64.Vec3, 64),
		harvests:   make(chan HarvestRequest, 64),
		unloads:    make(chan mathx.RegionKey, 64),
		peerEvents: make(chan PeerEvent, 256),
		admin:      make(chan snapshotReq, 8),
		stop:       make(chan struct{}),

		anchors: map[string]entity.AnchorSpec{},
		loaded:  map[mathx.RegionKey]time.Time{},
	}
	p.now = cfg.Clock()

	p.live = liveness.New(p.id, p.tun.Staleness(), func() time.Time { return p.now })
	p.dir = presence.NewDirectory(p.id)
	p.res = authority.NewResolver(p.dir, p.live, p.tun.AuthorityRadius)
	p.eng = replication.New(replication.Config{
		Local:       p.id,
		Tuning:      p.tun,
		Resolver:    p.res,
		Liveness:    p.live,
		Out:         p.out,
		Terrain:     cfg.Terrain,
		Cooldowns:   cfg.Cooldowns,
		Visuals:     cfg.Visuals,
		Transitions: cfg.Transitions,
		Lifecycle:   cfg.Lifecycle,
		Logger:      p.logger,
	}, behavior.All(p.tun)...)

	p.queue = spawnq.New[entity.AnchorSpec](p.tun.SpawnQueue.MaxPerTick, p.logger)
	for _, typ := range p.eng.Types() {
		p.queue.SetPriority(typ, p.tun.Species[typ].Priority)
		p.queue.RegisterSpawnCallback(typ, p.spawnQueued)
	}

	for _, a := range cfg.Anchors {
		if _, ok := behavior.SpeciesFor(a.Type, p.tun); !ok {
			p.logger.Printf("anchor %s: unknown type %q, ignored", a.ID, a.Type)
			continue
		}
		p.anchors[a.ID] = a
	}
	p.publishMetrics(0)
	return p, nil
}

func (p *Peer) ID() string                      { return p.id }
func (p *Peer) Inbox() chan<- protocol.Envelope { return p.inbox }
func (p *Peer) Anchors() chan<- AnchorEvent     { return p.anchorsCh }
func (p *Peer) Positions() chan<- mgl64.Vec3    { return p.positions }
func (p *Peer) Harvests() chan<- HarvestRequest { return p.harvests }

func (p *Peer) RegionUnloads() chan<- mathx.RegionKey { return p.unloads }
func (p *Peer) PeerEvents() chan<- PeerEvent          { return p.peerEvents }

// Engine exposes the replication engine to same-goroutine callers (tests,
// StepOnce drivers). It must not be used while Run is active.
func (p *Peer) Engine() *replication.Engine { return p.eng }

// Liveness and Presence follow the same rule as Engine.
func (p *Peer) Liveness() *liveness.Oracle    { return p.live }
func (p *Peer) Presence() *presence.Directory { return p.dir }

type nopOut struct{}

func (nopOut) Broadcast(protocol.Message)      {}
func (nopOut) SendTo(string, protocol.Message) {}
