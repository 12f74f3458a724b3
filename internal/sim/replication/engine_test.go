package replication

import (
	"bytes"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/behavior"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/tuning"
)

var t0 = time.Unix(1_700_000_000, 0)

type sink struct {
	msgs []protocol.Message
	sent map[string][]protocol.Message
}

func (s *sink) Broadcast(m protocol.Message) { s.msgs = append(s.msgs, m) }
func (s *sink) SendTo(peer string, m protocol.Message) {
	if s.sent == nil {
		s.sent = map[string][]protocol.Message{}
	}
	s.sent[peer] = append(s.sent[peer], m)
}

func (s *sink) ofType(typ string) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.MsgType() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *sink) reset() { s.msgs = nil }

type fixedResolver struct{ winner string }

func (f *fixedResolver) Resolve(mgl64.Vec3) string { return f.winner }

type liveSet struct {
	inactive map[string]bool
	tracked  []string
}

func (l *liveSet) IsActive(p string) bool      { return !l.inactive[p] }
func (l *liveSet) Track(p string, _ time.Time) { l.tracked = append(l.tracked, p) }

type recorder struct {
	transitions []TransitionEvent
	lifecycle   []LifecycleEvent
}

func (r *recorder) LogTransition(ev TransitionEvent) { r.transitions = append(r.transitions, ev) }
func (r *recorder) LogLifecycle(ev LifecycleEvent)   { r.lifecycle = append(r.lifecycle, ev) }

type fixture struct {
	e    *Engine
	out  *sink
	res  *fixedResolver
	live *liveSet
	rec  *recorder
	logs *bytes.Buffer
}

func newFixture(t *testing.T, local string) *fixture {
	t.Helper()
	tun := tuning.Defaults()
	f := &fixture{
		out:  &sink{},
		res:  &fixedResolver{winner: local},
		live: &liveSet{inactive: map[string]bool{}},
		rec:  &recorder{},
		logs: &bytes.Buffer{},
	}
	f.e = New(Config{
		Local:       local,
		Tuning:      tun,
		Resolver:    f.res,
		Liveness:    f.live,
		Out:         f.out,
		Transitions: f.rec,
		Lifecycle:   f.rec,
		Logger:      log.New(f.logs, "", 0),
	}, behavior.All(tun)...)
	f.e.Begin(1, t0)
	return f
}

func spawnOf(id, by string, term uint64) protocol.SpawnMsg {
	typ, anchor, gen, _ := entity.ParseID(id)
	return protocol.SpawnMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		EntityID:        id,
		EntityType:      typ,
		AnchorID:        anchor,
		Generation:      gen,
		State:           behavior.StateIdle,
		AuthorityID:     by,
		AuthorityTerm:   term,
		SpawnedBy:       by,
		HP:              8,
	}
}

func stateOf(id, auth string, term uint64, x float64) protocol.StateMsg {
	return protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		EntityID:        id,
		EntityType:      entity.TypeOf(id),
		AuthorityID:     auth,
		AuthorityTerm:   term,
		Pos:             mgl64.Vec3{x, 0, 0},
		State:           behavior.StateWandering,
		HP:              8,
	}
}

func deathOf(id, killer string) protocol.DeathMsg {
	return protocol.DeathMsg{Type: protocol.TypeDeath, ProtocolVersion: protocol.Version, EntityID: id, KilledBy: killer, DeathTick: 7}
}

func harvestOf(id string) protocol.HarvestMsg {
	return protocol.HarvestMsg{Type: protocol.TypeHarvest, ProtocolVersion: protocol.Version, EntityID: id, By: "p"}
}

const e1 = "deer:s1#1"

func TestHandleState_TermRules(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
	r := f.e.Get(e1)
	require.NotNil(t, r)

	f.e.HandleState(stateOf(e1, "c", 1, 1), t0)
	assert.Equal(t, mgl64.Vec3{1, 0, 0}, r.TargetPosition)
	assert.Equal(t, behavior.StateWandering, r.State)

	// Equal term, lower id wins without changing the term.
	f.e.HandleState(stateOf(e1, "b", 1, 2), t0)
	assert.Equal(t, "b", r.AuthorityID)
	assert.Equal(t, uint64(1), r.AuthorityTerm)

	// Equal term, higher id is stale.
	f.e.HandleState(stateOf(e1, "c", 1, 3), t0)
	assert.Equal(t, "b", r.AuthorityID)
	assert.Equal(t, mgl64.Vec3{2, 0, 0}, r.TargetPosition)

	// Higher term wins regardless of id.
	f.e.HandleState(stateOf(e1, "z", 2, 4), t0)
	assert.Equal(t, "z", r.AuthorityID)
	assert.Equal(t, uint64(2), r.AuthorityTerm)

	// Lower term is stale.
	f.e.HandleState(stateOf(e1, "a", 1, 5), t0)
	assert.Equal(t, "z", r.AuthorityID)
	assert.Equal(t, mgl64.Vec3{4, 0, 0}, r.TargetPosition)
	assert.Equal(t, uint64(2), f.e.Stats().StatesStale)
}

func TestHandleState_AuthorityIgnoresRemotePose(t *testing.T) {
	f := newFixture(t, "a")
	r, err := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{5, 0, 5}}, t0)
	require.NoError(t, err)

	f.e.HandleState(stateOf(r.ID, "a", 1, 50), t0)
	f.e.HandleState(stateOf(r.ID, "b", 1, 60), t0)
	assert.Equal(t, "a", r.AuthorityID)
	assert.Equal(t, mgl64.Vec3{5, 0, 5}, r.Position)
	assert.False(t, r.HasTarget)
}

func TestHandleState_HandedToUsTakesSenderPose(t *testing.T) {
	f := newFixture(t, "b")
	f.e.HandleSpawn(spawnOf(e1, "a", 1), t0)
	f.e.HandleState(stateOf(e1, "b", 2, 9), t0)
	r := f.e.Get(e1)
	assert.Equal(t, "b", r.AuthorityID)
	assert.Equal(t, mgl64.Vec3{9, 0, 0}, r.Position)
	assert.Equal(t, 1, f.e.BroadcastStates(t0), "new holder announces on the next broadcast pass")
}

func TestOrphanState_ReplayedOnSpawn(t *testing.T) {
	ordered := newFixture(t, "m")
	ordered.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
	ordered.e.HandleState(stateOf(e1, "c", 2, 3), t0)

	orphan := newFixture(t, "m")
	orphan.e.HandleState(stateOf(e1, "c", 2, 3), t0)
	require.Nil(t, orphan.e.Get(e1))
	require.Equal(t, 1, orphan.e.Gauges().Pending)
	orphan.e.HandleSpawn(spawnOf(e1, "c", 1), t0.Add(2*time.Second))

	a, b := ordered.e.Get(e1), orphan.e.Get(e1)
	require.NotNil(t, b)
	assert.Equal(t, a.AuthorityID, b.AuthorityID)
	assert.Equal(t, a.AuthorityTerm, b.AuthorityTerm)
	assert.Equal(t, a.TargetPosition, b.TargetPosition)
	assert.Equal(t, a.State, b.State)
	assert.Equal(t, 0, orphan.e.Gauges().Pending)
	assert.Equal(t, uint64(1), orphan.e.Stats().OrphansReplayed)
}

func TestOrphans_ExpireAfterTTL(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleState(stateOf(e1, "c", 1, 3), t0)
	f.e.HandleDeath(deathOf(e1, "x"), t0)
	f.e.HandleHarvest(harvestOf(e1), t0)

	f.e.Sweep(t0.Add(9 * time.Second))
	require.Equal(t, 3, f.e.Gauges().Pending)
	f.e.Sweep(t0.Add(11 * time.Second))
	require.Equal(t, 0, f.e.Gauges().Pending)
	require.Equal(t, uint64(3), f.e.Stats().OrphansExpired)

	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0.Add(12*time.Second))
	r := f.e.Get(e1)
	require.False(t, r.IsDead)
	require.Equal(t, uint64(1), r.AuthorityTerm)
}

func TestOrphanDeathAndHarvest_Replay(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleHarvest(harvestOf(e1), t0)
	f.e.HandleDeath(deathOf(e1, "wolf:d#1"), t0)
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)

	require.Nil(t, f.e.Get(e1), "death then harvest replayed: record removed")
	require.True(t, f.e.Registry("deer").Tombstoned(e1))
}

func TestDeathAndHarvest_Idempotent(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)

	f.e.HandleDeath(deathOf(e1, "x"), t0)
	once := *f.e.Get(e1)
	f.e.HandleDeath(deathOf(e1, "y"), t0.Add(time.Second))
	require.Equal(t, once, *f.e.Get(e1))

	f.e.HandleHarvest(harvestOf(e1), t0)
	f.e.HandleHarvest(harvestOf(e1), t0)
	require.Nil(t, f.e.Get(e1))
	require.Equal(t, uint64(1), f.e.Stats().Harvests)
}

func TestScenario_HarvestAliveIsNoop(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)

	f.e.HandleHarvest(harvestOf(e1), t0)
	r := f.e.Get(e1)
	require.NotNil(t, r)
	require.False(t, r.IsDead)
	require.False(t, r.IsHarvested)

	f.e.HandleDeath(deathOf(e1, "x"), t0)
	f.e.HandleHarvest(harvestOf(e1), t0)
	f.e.HandleHarvest(harvestOf(e1), t0)
	require.Nil(t, f.e.Get(e1))
	require.Equal(t, uint64(1), f.e.Stats().Harvests)
	require.Equal(t, uint64(1), f.e.Stats().HarvestNoops)
}

func TestNoRevival(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
	f.e.HandleDeath(deathOf(e1, "x"), t0)
	r := f.e.Get(e1)

	f.e.HandleState(stateOf(e1, "c", 5, 3), t0)
	f.e.HandleSpawn(spawnOf(e1, "a", 1), t0)
	f.e.SyncFromPeer([]protocol.SpawnMsg{spawnOf(e1, "a", 9)}, t0)
	require.True(t, r.IsDead)
	require.Equal(t, entity.StateDead, r.State)
	require.Same(t, r, f.e.Get(e1))

	f.e.HandleHarvest(harvestOf(e1), t0)
	f.e.HandleSpawn(spawnOf(e1, "a", 1), t0)
	f.e.HandleState(stateOf(e1, "a", 9, 3), t0)
	require.Nil(t, f.e.Get(e1), "tombstoned id cannot come back")
	require.Equal(t, 0, f.e.Gauges().Pending, "messages for tombstoned ids are not buffered")
}

func TestSpawnRace_LowerSpawnerSurvives(t *testing.T) {
	a := newFixture(t, "a")
	b := newFixture(t, "b")
	anchor := entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{}}
	ra, err := a.e.Spawn(anchor, t0)
	require.NoError(t, err)
	rb, err := b.e.Spawn(anchor, t0)
	require.NoError(t, err)
	require.Equal(t, ra.ID, rb.ID)

	sa := a.out.ofType(protocol.TypeSpawn)[0].(protocol.SpawnMsg)
	sb := b.out.ofType(protocol.TypeSpawn)[0].(protocol.SpawnMsg)
	a.e.HandleSpawn(sb, t0)
	b.e.HandleSpawn(sa, t0)

	for _, f := range []*fixture{a, b} {
		require.Equal(t, 1, f.e.Registry("deer").Len())
		r := f.e.Get(ra.ID)
		assert.Equal(t, "a", r.SpawnedBy)
		assert.Equal(t, "a", r.AuthorityID)
	}
}

func TestCheckAuthority_ClaimRules(t *testing.T) {
	f := newFixture(t, "b")
	f.e.HandleSpawn(spawnOf(e1, "a", 1), t0)
	f.e.HandleState(stateOf(e1, "a", 1, 4), t0)

	// Lower, active holder: never claim.
	require.Equal(t, 0, f.e.CheckAuthority(t0))
	require.Equal(t, "a", f.e.Get(e1).AuthorityID)

	// Holder inactive: claim with the next term and announce at once.
	f.live.inactive["a"] = true
	f.out.reset()
	require.Equal(t, 1, f.e.CheckAuthority(t0))
	r := f.e.Get(e1)
	assert.Equal(t, "b", r.AuthorityID)
	assert.Equal(t, uint64(2), r.AuthorityTerm)
	assert.Equal(t, mgl64.Vec3{4, 0, 0}, r.Position, "snapped to last target")
	st := f.out.ofType(protocol.TypeState)
	require.Len(t, st, 1)
	assert.Equal(t, uint64(2), st[0].(protocol.StateMsg).AuthorityTerm)
	require.Len(t, f.rec.transitions, 2)
	assert.Equal(t, ReasonClaim, f.rec.transitions[1].Reason)
}

func TestCheckAuthority_ClaimFromHigherActiveHolder(t *testing.T) {
	f := newFixture(t, "a")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
	require.Equal(t, 1, f.e.CheckAuthority(t0))
	require.Equal(t, "a", f.e.Get(e1).AuthorityID)
}

func TestCheckAuthority_NotWinnerDoesNotClaim(t *testing.T) {
	f := newFixture(t, "b")
	f.res.winner = "c"
	f.live.inactive["a"] = true
	f.e.HandleSpawn(spawnOf(e1, "a", 1), t0)
	require.Equal(t, 0, f.e.CheckAuthority(t0))
}

func TestCheckAuthority_PausesWithoutCandidate(t *testing.T) {
	f := newFixture(t, "a")
	r, _ := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer"}, t0)
	f.res.winner = ""
	f.e.CheckAuthority(t0)
	require.True(t, r.Paused)
	require.Equal(t, 0, f.e.BroadcastStates(t0.Add(time.Minute)))
	require.Equal(t, 0, f.e.Simulate(t0, 0.1))

	f.res.winner = "a"
	f.e.CheckAuthority(t0)
	require.False(t, r.Paused)
	require.Equal(t, 1, f.e.BroadcastStates(t0.Add(time.Minute)))
}

func TestCheckAuthority_HandOffToHigherWinner(t *testing.T) {
	f := newFixture(t, "a")
	r, _ := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{3, 0, 3}}, t0)
	f.res.winner = "c"
	f.out.reset()
	f.e.CheckAuthority(t0)
	assert.Equal(t, "c", r.AuthorityID)
	assert.Equal(t, uint64(2), r.AuthorityTerm)
	require.Len(t, f.out.ofType(protocol.TypeState), 1)

	// Re-announced until the new holder is heard from.
	f.e.CheckAuthority(t0.Add(time.Second))
	require.Len(t, f.out.ofType(protocol.TypeState), 2)

	f.e.HandleState(stateOf(r.ID, "c", 2, 3), t0.Add(2*time.Second))
	f.e.CheckAuthority(t0.Add(3 * time.Second))
	require.Len(t, f.out.ofType(protocol.TypeState), 2)
}

func TestOnPeerJoined_ChecksOnlyNearbyAnchors(t *testing.T) {
	f := newFixture(t, "a")
	near := spawnOf("deer:near#1", "c", 1)
	far := spawnOf("deer:far#1", "c", 1)
	far.Anchor = mgl64.Vec3{1000, 0, 0}
	f.e.HandleSpawn(near, t0)
	f.e.HandleSpawn(far, t0)

	n := f.e.OnPeerJoined("x", mgl64.Vec3{1, 0, 1}, t0)
	require.Equal(t, 1, n)
	require.Equal(t, "a", f.e.Get("deer:near#1").AuthorityID)
	require.Equal(t, "c", f.e.Get("deer:far#1").AuthorityID)
}

func TestKillThroughLookup(t *testing.T) {
	f := newFixture(t, "a")
	r, _ := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer"}, t0)
	l, ok := f.e.Lookup("deer")
	require.True(t, ok)
	require.Len(t, l.EntitiesNear(mgl64.Vec3{}, 1), 1)
	require.True(t, l.KillEntity(r.ID, "wolf:d#1"))
	require.False(t, l.KillEntity(r.ID, "wolf:d#1"))

	d := f.out.ofType(protocol.TypeDeath)
	require.Len(t, d, 1)
	assert.Equal(t, uint64(1), d[0].(protocol.DeathMsg).DeathTick)
	_, ok = f.e.Lookup("dragon")
	require.False(t, ok)
}

func TestSweep_CorpseTeardown(t *testing.T) {
	f := newFixture(t, "a")
	held, _ := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer"}, t0)
	f.e.HandleSpawn(spawnOf("deer:s2#1", "c", 1), t0)
	f.e.Kill(held.ID, "x", t0)
	f.e.HandleDeath(deathOf("deer:s2#1", "x"), t0)

	f.e.Sweep(t0.Add(2*time.Minute + time.Second))
	require.Nil(t, f.e.Get(held.ID))
	require.Len(t, f.out.ofType(protocol.TypeDespawn), 1)
	require.NotNil(t, f.e.Get("deer:s2#1"), "mirror waits for the holder's despawn")

	f.e.Sweep(t0.Add(2*time.Minute + 11*time.Second))
	require.Nil(t, f.e.Get("deer:s2#1"))
	require.Len(t, f.out.ofType(protocol.TypeDespawn), 1, "local teardown is not broadcast")
}

func TestSync_SnapshotAndReplay(t *testing.T) {
	a := newFixture(t, "a")
	r1, _ := a.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{1, 0, 1}}, t0)
	r2, _ := a.e.Spawn(entity.AnchorSpec{ID: "w1", Type: "wolf", Pos: mgl64.Vec3{40, 0, 1}}, t0)
	a.e.Kill(r1.ID, "wolf:w1#1", t0)
	a.e.HandleSpawn(spawnOf("deer:other#1", "c", 1), t0)
	r2.AuthorityTerm = 4

	snap := a.e.SyncSnapshot()
	require.Len(t, snap, 2, "only held records are synced")
	require.Len(t, a.e.SyncForRegions(nil), 0)

	b := newFixture(t, "b")
	b.res.winner = "a"
	require.Equal(t, 2, b.e.SyncFromPeer(snap, t0))
	g1, g2 := b.e.Get(r1.ID), b.e.Get(r2.ID)
	require.True(t, g1.IsDead)
	require.Equal(t, "wolf:w1#1", g1.KilledBy)
	require.Equal(t, uint64(4), g2.AuthorityTerm)
	require.Equal(t, "a", g2.AuthorityID)
	require.Equal(t, 0, b.e.CheckAuthority(t0))
}

func TestRemoveForRegionUnload_HandsOffHeld(t *testing.T) {
	f := newFixture(t, "a")
	held, _ := f.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{1, 0, 1}}, t0)
	f.e.HandleSpawn(spawnOf("deer:s2#1", "c", 1), t0)
	f.res.winner = "b"
	f.out.reset()

	removed := f.e.RemoveForRegionUnload(mathxKey(0, 0), t0)
	require.Len(t, removed, 2)
	st := f.out.ofType(protocol.TypeState)
	require.Len(t, st, 1)
	assert.Equal(t, held.ID, st[0].(protocol.StateMsg).EntityID)
	assert.Equal(t, "b", st[0].(protocol.StateMsg).AuthorityID)
	assert.Equal(t, uint64(2), st[0].(protocol.StateMsg).AuthorityTerm)
	require.Equal(t, 0, f.e.Gauges().Entities["deer"])
}

// Any delivery order of the same State set converges every peer to the
// maximal (term, lowest id) claim.
func TestConvergence_AnyDeliveryOrder(t *testing.T) {
	msgs := []protocol.StateMsg{
		stateOf(e1, "c", 1, 1), stateOf(e1, "b", 1, 2), stateOf(e1, "d", 2, 3),
		stateOf(e1, "b", 3, 4), stateOf(e1, "e", 3, 5), stateOf(e1, "a", 2, 6),
	}
	rng := rand.New(rand.NewSource(42))
	for peer := 0; peer < 25; peer++ {
		f := newFixture(t, "zz")
		f.res.winner = ""
		order := rng.Perm(len(msgs))
		spawnAt := rng.Intn(len(msgs) + 1)
		for i, idx := range order {
			if i == spawnAt {
				f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
			}
			f.e.HandleState(msgs[idx], t0)
		}
		if spawnAt == len(msgs) {
			f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
		}
		r := f.e.Get(e1)
		require.NotNil(t, r)
		require.Equal(t, "b", r.AuthorityID, "order %v spawn@%d", order, spawnAt)
		require.Equal(t, uint64(3), r.AuthorityTerm)
		require.Equal(t, mgl64.Vec3{4, 0, 0}, r.TargetPosition)
	}
}

func TestHandle_Dispatch(t *testing.T) {
	f := newFixture(t, "m")
	require.True(t, f.e.Handle(protocol.Envelope{From: "c", Msg: spawnOf(e1, "c", 1)}, t0))
	require.True(t, f.e.Handle(protocol.Envelope{From: "c", Msg: stateOf(e1, "c", 1, 1)}, t0))
	require.False(t, f.e.Handle(protocol.Envelope{From: "c", Msg: protocol.HelloMsg{}}, t0))
	require.NotNil(t, f.e.Get(e1))

	f.e.HandleSpawn(spawnOf("dragon:x#1", "c", 1), t0)
	f.e.HandleState(stateOf("dragon:x#1", "c", 1, 1), t0)
	require.Equal(t, uint64(2), f.e.Stats().UnknownType)
}

func mathxKey(x, z int) mathx.RegionKey { return mathx.RegionKey{X: x, Z: z} }

func TestDeadState_HealsLostDeath(t *testing.T) {
	holder := newFixture(t, "a")
	r, _ := holder.e.Spawn(entity.AnchorSpec{ID: "s1", Type: "deer"}, t0)
	holder.e.Kill(r.ID, "x", t0)
	holder.out.reset()

	require.Equal(t, 0, holder.e.BroadcastStates(t0.Add(time.Second)), "corpses are re-announced slowly")
	require.Equal(t, 1, holder.e.BroadcastStates(t0.Add(2*time.Second)))
	st := holder.out.ofType(protocol.TypeState)[0].(protocol.StateMsg)
	require.Equal(t, entity.StateDead, st.State)

	mirror := newFixture(t, "m")
	mirror.e.HandleSpawn(spawnOf(r.ID, "a", 1), t0)
	mirror.e.HandleState(st, t0)
	g := mirror.e.Get(r.ID)
	require.True(t, g.IsDead)
	require.False(t, g.TeardownAt.IsZero())

	// A dead hand-off target stays dead too.
	heir := newFixture(t, "b")
	heir.e.HandleSpawn(spawnOf(r.ID, "a", 1), t0)
	st.AuthorityID, st.AuthorityTerm = "b", 2
	heir.e.HandleState(st, t0)
	require.True(t, heir.e.Get(r.ID).IsDead)
}

func TestTombstoneHit_AnswersWithGrave(t *testing.T) {
	f := newFixture(t, "m")
	sp := spawnOf(e1, "c", 1)
	sp.Anchor = mgl64.Vec3{4, 0, 4}
	f.e.HandleSpawn(sp, t0)
	f.e.HandleDeath(deathOf(e1, "x"), t0)
	f.e.HandleHarvest(harvestOf(e1), t0.Add(time.Second))

	now := t0.Add(2 * time.Second)
	f.e.HandleSpawn(spawnOf(e1, "a", 1), now)
	f.e.HandleState(stateOf(e1, "a", 1, 3), now)
	sent := f.out.sent["a"]
	require.Len(t, sent, 1, "one answer per authority check interval")
	sync := sent[0].(protocol.SyncMsg)
	require.Len(t, sync.Graves, 1)
	gr := sync.Graves[0]
	assert.Equal(t, e1, gr.EntityID)
	assert.Equal(t, sp.Anchor, gr.Anchor)
	assert.Equal(t, entity.RemoveHarvested, gr.Reason)
	assert.Equal(t, int64(1000), gr.AgeMS)
	assert.True(t, gr.Died)
	assert.Equal(t, int64(2000), gr.DiedAgeMS)
	assert.Equal(t, uint64(1), f.e.Stats().GraveReplies)

	f.e.Sweep(now.Add(f.e.tun.AuthorityCheck()))
	f.e.HandleState(stateOf(e1, "a", 1, 3), now.Add(f.e.tun.AuthorityCheck()))
	require.Len(t, f.out.sent["a"], 2)
}

func TestApplyGraves_BuriesHeldLife(t *testing.T) {
	f := newFixture(t, "a")
	a := entity.AnchorSpec{ID: "s1", Type: "deer", Pos: mgl64.Vec3{4, 0, 4}}
	_, err := f.e.Spawn(a, t0)
	require.NoError(t, err)
	f.out.reset()

	now := t0.Add(time.Second)
	n := f.e.ApplyGraves([]protocol.GraveMsg{{
		EntityID: e1, Anchor: a.Pos, Reason: entity.RemoveHarvested,
		AgeMS: 5_000, Died: true, DiedAgeMS: 9_000,
	}}, now)
	require.Equal(t, 1, n)
	require.Nil(t, f.e.Get(e1))
	d := f.out.ofType(protocol.TypeDespawn)
	require.Len(t, d, 1)
	assert.Equal(t, ReasonBuried, d[0].(protocol.DespawnMsg).Reason)
	require.Len(t, f.rec.lifecycle, 2)
	assert.Equal(t, EventBuried, f.rec.lifecycle[1].Event)
	require.ErrorIs(t, f.e.CanSpawn(a, now), entity.ErrRespawnCooldown)

	// A later life is left alone.
	_, err = f.e.Spawn(a, now.Add(f.e.tun.RespawnCooldown()))
	require.NoError(t, err)
	require.NotNil(t, f.e.Get("deer:s1#2"))
	f.e.ApplyGraves([]protocol.GraveMsg{{EntityID: e1, Anchor: a.Pos, Reason: entity.RemoveHarvested}}, now.Add(f.e.tun.RespawnCooldown()))
	require.NotNil(t, f.e.Get("deer:s1#2"))
}

func TestApplyGraves_DropsMirroredCopyQuietly(t *testing.T) {
	f := newFixture(t, "m")
	f.e.HandleSpawn(spawnOf(e1, "c", 1), t0)
	f.out.reset()
	f.e.ApplyGraves([]protocol.GraveMsg{{EntityID: e1, Reason: entity.RemoveHarvested, AgeMS: 10}}, t0)
	require.Nil(t, f.e.Get(e1))
	require.Empty(t, f.out.ofType(protocol.TypeDespawn))
	require.Equal(t, uint64(1), f.e.Stats().GravesApplied)

	f.e.ApplyGraves([]protocol.GraveMsg{{EntityID: "yak:s1#1", AgeMS: 10}}, t0)
	require.Equal(t, uint64(1), f.e.Stats().UnknownType)
}
