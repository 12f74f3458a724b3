// Package peertest drives several peers in lockstep over an in-memory mesh
// with controllable loss, delay and reordering.
package peertest

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/peer"
	"wildmesh.ai/internal/sim/replication"
	"wildmesh.ai/internal/sim/tuning"
)

// Faults shape delivery between peers. The zero value is a perfect network.
type Faults struct {
	DropRate float64
	// MaxDelay is the largest extra delay in steps; each message draws
	// uniformly from [0, MaxDelay].
	MaxDelay int
	// Reorder shuffles each peer's batch before delivery.
	Reorder bool
}

type inflight struct {
	to  string
	env protocol.Envelope
	due uint64
}

// Mesh is a black-box harness: peers are driven only through StepOnce and
// their exported accessors.
type Mesh struct {
	T      *testing.T
	Now    time.Time
	Step   time.Duration
	Format protocol.Format
	Faults Faults

	tun   tuning.Tuning
	rng   *rand.Rand
	peers map[string]*peer.Peer
	ids   []string
	logs  map[string]*Recorder
	down  map[string]bool
	cut   map[[2]string]bool

	step     uint64
	inflight []inflight
	inputs   map[string]*peer.Inputs

	Sent    int
	Dropped int
}

func NewMesh(t *testing.T, seed int64, tun tuning.Tuning) *Mesh {
	t.Helper()
	return &Mesh{
		T:      t,
		Now:    time.Unix(1_700_000_000, 0),
		Step:   time.Second / time.Duration(tun.StepHz),
		Format: protocol.FormatJSON,
		tun:    tun,
		rng:    rand.New(rand.NewSource(seed)),
		peers:  map[string]*peer.Peer{},
		logs:   map[string]*Recorder{},
		down:   map[string]bool{},
		cut:    map[[2]string]bool{},
		inputs: map[string]*peer.Inputs{},
	}
}

// Add creates a peer standing at pos with the given anchors and connects it
// to every running peer.
func (m *Mesh) Add(id string, pos mgl64.Vec3, anchors ...entity.AnchorSpec) *peer.Peer {
	m.T.Helper()
	rec := &Recorder{}
	p, err := peer.New(peer.Config{
		ID:          id,
		Tuning:      m.tun,
		Anchors:     anchors,
		Out:         link{m: m, from: id},
		Transitions: rec,
		Lifecycle:   rec,
		Clock:       func() time.Time { return m.Now },
	})
	if err != nil {
		m.T.Fatalf("peer.New(%s): %v", id, err)
	}
	// Connections open both ways before the first position arrives.
	for _, other := range m.ids {
		if m.down[other] {
			continue
		}
		m.in(id).PeerEvents = append(m.in(id).PeerEvents, peer.PeerEvent{Peer: other, Connected: true})
		m.in(other).PeerEvents = append(m.in(other).PeerEvents, peer.PeerEvent{Peer: id, Connected: true})
	}
	m.peers[id] = p
	m.logs[id] = rec
	m.ids = append(m.ids, id)
	sort.Strings(m.ids)
	m.in(id).Positions = append(m.in(id).Positions, pos)
	return p
}

func (m *Mesh) Peer(id string) *peer.Peer { return m.peers[id] }

// Log returns everything peer id has reported about authority and lifecycle.
func (m *Mesh) Log(id string) *Recorder { return m.logs[id] }

// Record returns peer id's view of an entity, or nil.
func (m *Mesh) Record(id, entityID string) *entity.Record {
	p := m.peers[id]
	if p == nil {
		return nil
	}
	return p.Engine().Get(entityID)
}

// Move queues a position change for the next step.
func (m *Mesh) Move(id string, pos mgl64.Vec3) {
	m.in(id).Positions = append(m.in(id).Positions, pos)
}

func (m *Mesh) Harvest(id, entityID string) {
	m.in(id).Harvests = append(m.in(id).Harvests, peer.HarvestRequest{EntityID: entityID, By: id})
}

func (m *Mesh) UnloadRegion(id string, k mathx.RegionKey) {
	m.in(id).RegionUnloads = append(m.in(id).RegionUnloads, k)
}

// Suspend stops stepping a peer and silences it, as if its process froze.
// Nobody is told: the others notice through staleness.
func (m *Mesh) Suspend(id string) { m.down[id] = true }

// Resume restarts a suspended peer. Messages addressed to it meanwhile are
// lost.
func (m *Mesh) Resume(id string) { delete(m.down, id) }

// Disconnect suspends a peer and reports the closed connection to the rest.
func (m *Mesh) Disconnect(id string) {
	m.Suspend(id)
	for _, other := range m.ids {
		if other != id {
			m.in(other).PeerEvents = append(m.in(other).PeerEvents, peer.PeerEvent{Peer: id})
		}
	}
}

// Partition cuts the link between a and b in both directions.
func (m *Mesh) Partition(a, b string) {
	m.cut[[2]string{a, b}] = true
	m.cut[[2]string{b, a}] = true
}

func (m *Mesh) Heal(a, b string) {
	delete(m.cut, [2]string{a, b})
	delete(m.cut, [2]string{b, a})
}

// StepAll delivers due messages and steps every running peer once, in ID
// order, then advances the clock.
func (m *Mesh) StepAll() {
	m.step++
	var keep []inflight
	for _, f := range m.inflight {
		if f.due > m.step {
			keep = append(keep, f)
			continue
		}
		if m.down[f.to] {
			m.Dropped++
			continue
		}
		in := m.in(f.to)
		in.Msgs = append(in.Msgs, f.env)
	}
	m.inflight = keep

	for _, id := range m.ids {
		if m.down[id] {
			continue
		}
		in := m.in(id)
		if m.Faults.Reorder {
			m.rng.Shuffle(len(in.Msgs), func(i, j int) { in.Msgs[i], in.Msgs[j] = in.Msgs[j], in.Msgs[i] })
		}
		m.peers[id].StepOnce(m.Now, *in)
		m.inputs[id] = &peer.Inputs{}
	}
	m.Now = m.Now.Add(m.Step)
}

// RunFor steps until d of mesh time has passed.
func (m *Mesh) RunFor(d time.Duration) {
	end := m.Now.Add(d)
	for m.Now.Before(end) {
		m.StepAll()
	}
}

// Quiesce disables faults and runs long enough for every in-flight message
// and periodic broadcast to land.
func (m *Mesh) Quiesce(d time.Duration) {
	m.Faults = Faults{}
	m.RunFor(d)
}

// Holders lists, per running peer, who it believes holds entityID and at
// which term.
func (m *Mesh) Holders(entityID string) map[string]Claim {
	out := map[string]Claim{}
	for _, id := range m.ids {
		if m.down[id] {
			continue
		}
		if r := m.Record(id, entityID); r != nil {
			out[id] = Claim{Authority: r.AuthorityID, Term: r.AuthorityTerm}
		}
	}
	return out
}

type Claim struct {
	Authority string
	Term      uint64
}

// EntityIDs lists every entity ID known to any running peer.
func (m *Mesh) EntityIDs() []string {
	seen := map[string]bool{}
	for _, id := range m.ids {
		if m.down[id] {
			continue
		}
		for _, r := range m.peers[id].Engine().Records() {
			seen[r.ID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Mesh) in(id string) *peer.Inputs {
	in := m.inputs[id]
	if in == nil {
		in = &peer.Inputs{}
		m.inputs[id] = in
	}
	return in
}

func (m *Mesh) send(from, to string, msg protocol.Message) {
	if to == from || m.peers[to] == nil {
		return
	}
	m.Sent++
	if m.down[from] || m.cut[[2]string{from, to}] {
		m.Dropped++
		return
	}
	if m.Faults.DropRate > 0 && m.rng.Float64() < m.Faults.DropRate {
		m.Dropped++
		return
	}
	// Every delivery crosses the real codec, as on the wire.
	b, err := protocol.Encode(m.Format, msg)
	if err != nil {
		m.T.Fatalf("encode %s from %s: %v", msg.MsgType(), from, err)
	}
	dec, err := protocol.Decode(m.Format, b)
	if err != nil {
		m.T.Fatalf("decode %s from %s: %v", msg.MsgType(), from, err)
	}
	delay := 0
	if m.Faults.MaxDelay > 0 {
		delay = m.rng.Intn(m.Faults.MaxDelay + 1)
	}
	m.inflight = append(m.inflight, inflight{
		to:  to,
		env: protocol.Envelope{From: from, At: m.Now, Msg: dec},
		due: m.step + 1 + uint64(delay),
	})
}

// link is one peer's outbound side of the mesh.
type link struct {
	m    *Mesh
	from string
}

func (l link) Broadcast(msg protocol.Message) {
	for _, to := range l.m.ids {
		l.m.send(l.from, to, msg)
	}
}

func (l link) SendTo(to string, msg protocol.Message) { l.m.send(l.from, to, msg) }

// Recorder keeps authority transitions and lifecycle events in memory.
type Recorder struct {
	Transitions []replication.TransitionEvent
	Lifecycle   []replication.LifecycleEvent
}

func (r *Recorder) LogTransition(ev replication.TransitionEvent) {
	r.Transitions = append(r.Transitions, ev)
}

func (r *Recorder) LogLifecycle(ev replication.LifecycleEvent) {
	r.Lifecycle = append(r.Lifecycle, ev)
}

// Events filters lifecycle events of one kind for one entity.
func (r *Recorder) Events(entityID, event string) []replication.LifecycleEvent {
	var out []replication.LifecycleEvent
	for _, ev := range r.Lifecycle {
		if ev.EntityID == entityID && ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}
