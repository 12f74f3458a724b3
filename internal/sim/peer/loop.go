package peer

import (
	"context"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
)

// Run steps the peer at the configured rate until ctx is done or Stop is
// called. Inputs arriving between ticks are collected and applied at the
// start of the next step, never mid-step.
func (p *Peer) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(p.tun.StepHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var in Inputs
	var pendingAdmin []snapshotReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return nil
		case env := <-p.inbox:
			in.Msgs = append(in.Msgs, env)
		case ev := <-p.anchorsCh:
			in.Anchors = append(in.Anchors, ev)
		case pos := <-p.positions:
			in.Positions = append(in.Positions, pos)
		case h := <-p.harvests:
			in.Harvests = append(in.Harvests, h)
		case k := <-p.unloads:
			in.RegionUnloads = append(in.RegionUnloads, k)
		case ev := <-p.peerEvents:
			in.PeerEvents = append(in.PeerEvents, ev)
		case req := <-p.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			p.step(p.clock(), in)
			p.handleSnapshotRequests(pendingAdmin)
			in.reset()
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (p *Peer) Stop() { close(p.stop) }

// StepOnce advances the peer by a single step at now with the given inputs,
// using the same ordering as Run. It is meant for deterministic tests and
// must not be mixed with Run.
func (p *Peer) StepOnce(now time.Time, in Inputs) uint64 {
	p.step(now, in)
	return p.tick
}

func (p *Peer) step(now time.Time, in Inputs) {
	start := time.Now()
	if now.Before(p.now) {
		now = p.now
	}
	p.tick++
	dt := now.Sub(p.now).Seconds()
	if dt <= 0 || dt > 1 {
		dt = 1 / float64(p.tun.StepHz)
	}
	p.now = now
	p.eng.Begin(p.tick, now)

	// 1. Network messages in receive order.
	for _, env := range in.Msgs {
		p.handle(env)
	}

	// 2. Membership changes.
	for _, ev := range in.PeerEvents {
		p.handlePeerEvent(ev)
	}

	// 3. Local position, region load/unload, anchors.
	if n := len(in.Positions); n > 0 {
		p.moveTo(in.Positions[n-1])
	}
	for _, k := range in.RegionUnloads {
		p.unloadRegion(k)
	}
	for _, ev := range in.Anchors {
		p.applyAnchorEvent(ev)
	}

	// 4. Spawn decisions, then authority at its cadence.
	p.decideSpawns()
	if p.lastAuthCheck.IsZero() || now.Sub(p.lastAuthCheck) >= p.tun.AuthorityCheck() {
		p.lastAuthCheck = now
		p.eng.CheckAuthority(now)
	}

	// 5. Materialize queued spawns.
	p.queue.ProcessOneTick()

	// 6. Local actions on entities.
	for _, h := range in.Harvests {
		if !p.eng.Harvest(h.EntityID, h.By, now) {
			p.counters.HarvestsRejected++
		}
	}

	// 7. Simulate held entities, interpolate mirrors.
	p.eng.Simulate(now, dt)
	p.eng.Interpolate(dt)

	// 8. Outbound: States at per-type cadence, presence heartbeat.
	p.eng.BroadcastStates(now)
	if p.hasPos && (p.lastPeerPos.IsZero() || now.Sub(p.lastPeerPos) >= p.tun.PeerUpdate()) {
		p.lastPeerPos = now
		pos, _ := p.dir.Local()
		p.out.Broadcast(protocol.PeerPosMsg{
			Type:            protocol.TypePeerPos,
			ProtocolVersion: protocol.Version,
			PeerID:          p.id,
			Pos:             pos,
		})
	}

	// 9. Housekeeping.
	p.eng.Sweep(now)
	p.live.Prune(10 * p.tun.Staleness())
	p.maybePeriodicSnapshot(now)

	p.publishMetrics(float64(time.Since(start).Microseconds()) / 1000)
}

func (p *Peer) moveTo(pos mgl64.Vec3) {
	p.dir.SetLocal(pos)
	p.hasPos = true
	p.updateRegions(pos)
}
