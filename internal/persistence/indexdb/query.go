package indexdb

import (
	"context"
	"database/sql"
	"time"

	"wildmesh.ai/internal/sim/replication"
)

// Transitions returns the recorded authority history of one entity, oldest
// first. An empty entityID returns the most recent transitions of any entity.
func (s *SQLiteIndex) Transitions(ctx context.Context, entityID string, limit int) ([]replication.TransitionEvent, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at_ms,tick,peer,entity_id,entity_type,from_peer,to_peer,term,reason FROM (
		SELECT * FROM authority_transitions WHERE (? = '' OR entity_id = ?) ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, entityID, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []replication.TransitionEvent
	for rows.Next() {
		var (
			ev         replication.TransitionEvent
			atMS       int64
			tick, term int64
		)
		if err := rows.Scan(&atMS, &tick, &ev.Peer, &ev.EntityID, &ev.EntityType, &ev.From, &ev.To, &term, &ev.Reason); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(atMS).UTC()
		ev.Tick = uint64(tick)
		ev.Term = uint64(term)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Lifecycle returns the recorded lifecycle events of one entity, oldest first.
func (s *SQLiteIndex) Lifecycle(ctx context.Context, entityID string) ([]replication.LifecycleEvent, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at_ms,tick,peer,entity_id,entity_type,event,detail FROM lifecycle_events WHERE entity_id = ? ORDER BY seq ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []replication.LifecycleEvent
	for rows.Next() {
		var (
			ev   replication.LifecycleEvent
			atMS int64
			tick int64
		)
		if err := rows.Scan(&atMS, &tick, &ev.Peer, &ev.EntityID, &ev.EntityType, &ev.Event, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(atMS).UTC()
		ev.Tick = uint64(tick)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type SnapshotInfo struct {
	Tick       uint64 `json:"tick"`
	Path       string `json:"path"`
	PeerID     string `json:"peer_id"`
	AtUnixMS   int64  `json:"at_unix_ms"`
	Entities   int    `json:"entities"`
	Peers      int    `json:"peers"`
	Regions    int    `json:"regions"`
	Tombstones int    `json:"tombstones"`
}

// LatestSnapshot returns the most recent recorded snapshot file, if any.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (SnapshotInfo, bool, error) {
	if err := s.Flush(ctx); err != nil {
		return SnapshotInfo{}, false, err
	}
	var (
		si   SnapshotInfo
		tick int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT tick,path,peer_id,at_ms,entities,peers,regions,tombstones FROM snapshots ORDER BY tick DESC LIMIT 1`).
		Scan(&tick, &si.Path, &si.PeerID, &si.AtUnixMS, &si.Entities, &si.Peers, &si.Regions, &si.Tombstones)
	if err == sql.ErrNoRows {
		return SnapshotInfo{}, false, nil
	}
	if err != nil {
		return SnapshotInfo{}, false, err
	}
	si.Tick = uint64(tick)
	return si, true, nil
}
