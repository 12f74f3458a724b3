package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"wildmesh.ai/internal/persistence/r2s3"
	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/peer"
	"wildmesh.ai/internal/transport/ws"
)

type dropCounter struct {
	name string
	fn   func() uint64
}

func metricsHandler(p *peer.Peer, mesh *ws.Mesh, mirror *r2s3.Mirror, drops []dropCounter) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := p.Metrics()
		writeMetrics(rw, m, mesh.Stats(), drops)
		if mirror != nil {
			writeMirrorMetrics(rw, m.PeerID, mirror.Stats())
		}
	}
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(w io.Writer, m peer.Metrics, s ws.Stats, drops []dropCounter) {
	id := m.PeerID

	fmt.Fprintf(w, "# HELP wildmesh_peer_tick Current step counter.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_peer_tick gauge\n")
	fmt.Fprintf(w, "wildmesh_peer_tick{peer=%q} %d\n", id, m.Tick)

	fmt.Fprintf(w, "# HELP wildmesh_peer_step_ms Last step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_peer_step_ms gauge\n")
	fmt.Fprintf(w, "wildmesh_peer_step_ms{peer=%q} %.3f\n", id, m.StepMS)

	fmt.Fprintf(w, "# HELP wildmesh_peers Peers known to the liveness oracle.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_peers gauge\n")
	fmt.Fprintf(w, "wildmesh_peers{peer=%q,state=%q} %d\n", id, "known", m.KnownPeers)
	fmt.Fprintf(w, "wildmesh_peers{peer=%q,state=%q} %d\n", id, "active", m.ActivePeers)
	fmt.Fprintf(w, "wildmesh_peers{peer=%q,state=%q} %d\n", id, "connected", s.Peers)

	fmt.Fprintf(w, "# HELP wildmesh_loaded_regions Regions loaded around the local position.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_loaded_regions gauge\n")
	fmt.Fprintf(w, "wildmesh_loaded_regions{peer=%q} %d\n", id, m.LoadedRegions)

	fmt.Fprintf(w, "# HELP wildmesh_queue_depth Channel and queue backlog depth.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_queue_depth gauge\n")
	fmt.Fprintf(w, "wildmesh_queue_depth{peer=%q,queue=%q} %d\n", id, "inbox", m.InboxDepth)
	fmt.Fprintf(w, "wildmesh_queue_depth{peer=%q,queue=%q} %d\n", id, "spawn", m.SpawnQueue)

	fmt.Fprintf(w, "# HELP wildmesh_entities Entities per type in the local registries.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_entities gauge\n")
	types := make([]string, 0, len(m.Gauges.Entities))
	for typ := range m.Gauges.Entities {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Fprintf(w, "wildmesh_entities{peer=%q,type=%q} %d\n", id, typ, m.Gauges.Entities[typ])
	}

	fmt.Fprintf(w, "# HELP wildmesh_registry Registry summary by role.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_registry gauge\n")
	for _, g := range []struct {
		k string
		v int
	}{
		{"held", m.Gauges.Held},
		{"mirrored", m.Gauges.Mirrored},
		{"dead", m.Gauges.Dead},
		{"paused", m.Gauges.Paused},
		{"pending", m.Gauges.Pending},
		{"tombstones", m.Gauges.Tombstones},
	} {
		fmt.Fprintf(w, "wildmesh_registry{peer=%q,kind=%q} %d\n", id, g.k, g.v)
	}

	rs := m.Replication
	fmt.Fprintf(w, "# HELP wildmesh_replication_total Replication events since start.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_replication_total counter\n")
	for _, c := range []struct {
		k string
		v uint64
	}{
		{"local_spawns", rs.LocalSpawns},
		{"remote_spawns", rs.RemoteSpawns},
		{"spawns_superseded", rs.SpawnsSuperseded},
		{"spawns_ignored", rs.SpawnsIgnored},
		{"spawns_rejected", rs.SpawnsRejected},
		{"states_applied", rs.StatesApplied},
		{"states_stale", rs.StatesStale},
		{"states_sent", rs.StatesSent},
		{"orphans_buffered", rs.OrphansBuffered},
		{"orphans_replayed", rs.OrphansReplayed},
		{"orphans_expired", rs.OrphansExpired},
		{"orphans_dropped", rs.OrphansDropped},
		{"tombstone_drops", rs.TombstoneDrops},
		{"unknown_type", rs.UnknownType},
		{"deaths", rs.Deaths},
		{"harvests", rs.Harvests},
		{"harvest_noops", rs.HarvestNoops},
		{"despawns", rs.Despawns},
		{"claims", rs.Claims},
		{"adoptions", rs.Adoptions},
		{"handoffs", rs.HandOffs},
		{"pauses", rs.Pauses},
		{"join_checks", rs.JoinChecks},
		{"spawn_queue_processed", m.SpawnsProcessed},
		{"spawn_queue_failed", m.SpawnsFailed},
		{"out_of_interest", m.Counters.OutOfInterest},
		{"unhandled", m.Counters.Unhandled},
		{"harvests_rejected", m.Counters.HarvestsRejected},
		{"snapshots", m.Counters.Snapshots},
		{"snapshots_dropped", m.Counters.SnapshotsDropped},
	} {
		fmt.Fprintf(w, "wildmesh_replication_total{peer=%q,event=%q} %d\n", id, c.k, c.v)
	}

	fmt.Fprintf(w, "# HELP wildmesh_transport_total Transport events since start.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_transport_total counter\n")
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "frames_in", s.FramesIn)
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "frames_out", s.FramesOut)
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "outbox_drops", s.OutboxDrops)
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "rate_limited", s.RateLimited)
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "connects", s.Connects)
	fmt.Fprintf(w, "wildmesh_transport_total{peer=%q,event=%q} %d\n", id, "disconnects", s.Disconnects)

	fmt.Fprintf(w, "# HELP wildmesh_transport_rejected_total Inbound frames rejected, by error code.\n")
	fmt.Fprintf(w, "# TYPE wildmesh_transport_rejected_total counter\n")
	// Every known code is exposed, zero or not, so series exist from start.
	codes := protocol.Codes()
	var extra []string
	for c := range s.Rejected {
		if !protocol.IsKnownCode(c) {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	for _, c := range append(codes, extra...) {
		fmt.Fprintf(w, "wildmesh_transport_rejected_total{peer=%q,code=%q} %d\n", id, c, s.Rejected[c])
	}

	if len(drops) > 0 {
		fmt.Fprintf(w, "# HELP wildmesh_persist_dropped_total Persistence writes dropped on backpressure.\n")
		fmt.Fprintf(w, "# TYPE wildmesh_persist_dropped_total counter\n")
		for _, d := range drops {
			fmt.Fprintf(w, "wildmesh_persist_dropped_total{peer=%q,sink=%q} %d\n", id, d.name, d.fn())
		}
	}
}
