package peer

import "wildmesh.ai/internal/sim/replication"

// Counters are lifetime counters kept by the step loop itself.
type Counters struct {
	OutOfInterest    uint64 `json:"out_of_interest"`
	Unhandled        uint64 `json:"unhandled"`
	HarvestsRejected uint64 `json:"harvests_rejected"`
	Snapshots        uint64 `json:"snapshots"`
	SnapshotsDropped uint64 `json:"snapshots_dropped"`
	SyncsSent        uint64 `json:"syncs_sent"`
}

// Metrics is a read-only view of the peer, published by the step loop after
// every step and safe to read from other goroutines.
type Metrics struct {
	PeerID string  `json:"peer_id"`
	Tick   uint64  `json:"tick"`
	StepMS float64 `json:"step_ms"`

	KnownPeers    int `json:"known_peers"`
	ActivePeers   int `json:"active_peers"`
	LoadedRegions int `json:"loaded_regions"`
	Anchors       int `json:"anchors"`
	InboxDepth    int `json:"inbox_depth"`

	SpawnQueue      int    `json:"spawn_queue"`
	SpawnsProcessed uint64 `json:"spawns_processed"`
	SpawnsFailed    uint64 `json:"spawns_failed"`

	Gauges      replication.Gauges `json:"gauges"`
	Replication replication.Stats  `json:"replication"`
	Counters    Counters           `json:"counters"`
}

func (p *Peer) Metrics() Metrics {
	if p == nil {
		return Metrics{}
	}
	m, _ := p.metrics.Load().(Metrics)
	return m
}

func (p *Peer) publishMetrics(stepMS float64) {
	processed, failed := p.queue.Stats()
	p.metrics.Store(Metrics{
		PeerID:          p.id,
		Tick:            p.tick,
		StepMS:          stepMS,
		KnownPeers:      len(p.live.Peers()),
		ActivePeers:     p.live.ActiveCount(),
		LoadedRegions:   len(p.loaded),
		Anchors:         len(p.anchors),
		InboxDepth:      len(p.inbox),
		SpawnQueue:      p.queue.Len(),
		SpawnsProcessed: processed,
		SpawnsFailed:    failed,
		Gauges:          p.eng.Gauges(),
		Replication:     p.eng.Stats(),
		Counters:        p.counters,
	})
}
