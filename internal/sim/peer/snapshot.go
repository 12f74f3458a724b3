package peer

import (
	"context"
	"errors"
	"sort"
	"time"

	"wildmesh.ai/internal/persistence/snapshot"
)

type snapshotReq struct {
	Resp chan snapshotResp
}

type snapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the step loop to emit a snapshot on the sink.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (p *Peer) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if p == nil || p.admin == nil {
		return 0, errors.New("snapshot not available")
	}
	resp := make(chan snapshotResp, 1)
	select {
	case p.admin <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Peer) handleSnapshotRequests(reqs []snapshotReq) {
	if len(reqs) == 0 {
		return
	}
	errStr := ""
	if !p.emitSnapshot() {
		errStr = "snapshot sink not configured or busy"
	}
	resp := snapshotResp{Tick: p.tick, Err: errStr}
	for _, r := range reqs {
		if r.Resp == nil {
			continue
		}
		select {
		case r.Resp <- resp:
		default:
			// Caller gave up; don't block the loop.
		}
	}
}

func (p *Peer) maybePeriodicSnapshot(now time.Time) {
	if p.cfg.SnapshotSink == nil {
		return
	}
	if p.lastSnapshot.IsZero() {
		p.lastSnapshot = now
		return
	}
	if now.Sub(p.lastSnapshot) < p.tun.SnapshotEvery() {
		return
	}
	p.lastSnapshot = now
	p.emitSnapshot()
}

func (p *Peer) emitSnapshot() bool {
	if p.cfg.SnapshotSink == nil {
		return false
	}
	select {
	case p.cfg.SnapshotSink <- p.ExportSnapshot():
		p.counters.Snapshots++
		return true
	default:
		p.counters.SnapshotsDropped++
		return false
	}
}

// ExportSnapshot dumps the peer's current view. Step-loop goroutine only.
func (p *Peer) ExportSnapshot() snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:  snapshot.Version,
			PeerID:   p.id,
			Tick:     p.tick,
			AtUnixMS: p.now.UnixMilli(),
		},
		ProtocolVersion: p.tun.ProtocolVersion,
		StepHz:          p.tun.StepHz,
		RegionSize:      p.tun.RegionSize,
	}

	for k := range p.loaded {
		s.LoadedRegions = append(s.LoadedRegions, [2]int{k.X, k.Z})
	}
	sort.Slice(s.LoadedRegions, func(i, j int) bool {
		a, b := s.LoadedRegions[i], s.LoadedRegions[j]
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})

	ids := map[string]bool{}
	for _, id := range p.live.Peers() {
		ids[id] = true
	}
	for _, id := range p.dir.Peers() {
		ids[id] = true
	}
	peers := make([]string, 0, len(ids))
	for id := range ids {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	for _, id := range peers {
		pv := snapshot.PeerV1{ID: id, Active: p.live.IsActive(id)}
		if pos, ok := p.dir.PeerPosition(id); ok {
			pv.Pos = pos
			pv.HasPos = true
		}
		if at, ok := p.live.LastSeen(id); ok {
			pv.LastSeenMS = at.UnixMilli()
		}
		s.Peers = append(s.Peers, pv)
	}

	for _, r := range p.eng.Records() {
		s.Entities = append(s.Entities, snapshot.EntityV1{
			ID:            r.ID,
			Type:          r.Type,
			AnchorID:      r.AnchorID,
			Anchor:        r.Anchor,
			Generation:    r.Generation,
			Pos:           r.Position,
			Rot:           r.Rotation,
			State:         r.State,
			HP:            r.HP,
			TargetID:      r.TargetID,
			AuthorityID:   r.AuthorityID,
			AuthorityTerm: r.AuthorityTerm,
			SpawnedBy:     r.SpawnedBy,
			Paused:        r.Paused,
			Dead:          r.IsDead,
			KilledBy:      r.KilledBy,
			DeathTick:     r.DeathTick,
		})
	}
	s.Header.Entities = len(s.Entities)
	g := p.eng.Gauges()
	s.Tombstones = g.Tombstones
	s.Pending = g.Pending
	return s
}
