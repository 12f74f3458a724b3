package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wildmesh.ai/internal/persistence/snapshot"
	"wildmesh.ai/internal/sim/replication"
)

// SQLiteIndex is a secondary, queryable copy of a peer's history: authority
// transitions, lifecycle events and snapshot files. It also persists respawn
// cooldowns so they survive restarts. Writes are queued and applied by one
// goroutine; a full queue drops.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

type reqKind int

const (
	reqTransition reqKind = iota + 1
	reqLifecycle
	reqCooldown
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	transition replication.TransitionEvent
	lifecycle  replication.LifecycleEvent
	cooldown   cooldownRow
	snapshot   snapshotRow
	done       chan struct{}
}

type cooldownRow struct {
	Key    string
	DiedAt time.Time
}

type snapshotRow struct {
	Tick       uint64
	Path       string
	PeerID     string
	AtUnixMS   int64
	Entities   int
	Peers      int
	Regions    int
	Tombstones int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	cds, err := loadCooldowns(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:        db,
		ch:        make(chan req, 65536),
		cooldowns: cds,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS respawn_cooldowns (
			key TEXT PRIMARY KEY,
			died_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS authority_transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			peer TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			from_peer TEXT NOT NULL,
			to_peer TEXT NOT NULL,
			term INTEGER NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON authority_transitions(entity_id, seq);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			peer TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_entity ON lifecycle_events(entity_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			peers INTEGER NOT NULL,
			regions INTEGER NOT NULL,
			tombstones INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func loadCooldowns(db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.Query(`SELECT key, died_at_ms FROM respawn_cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var (
			key string
			ms  int64
		)
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped counts writes lost to a full queue.
func (s *SQLiteIndex) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// JSONL logs remain the source of truth.
		s.dropped.Add(1)
	}
}

// Flush waits until every queued write is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastDeath and RecordDeath make the index an entity.CooldownStore. Reads are
// served from memory; writes go behind.
func (s *SQLiteIndex) LastDeath(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cooldowns[key]
	return at, ok
}

func (s *SQLiteIndex) RecordDeath(key string, at time.Time) {
	s.mu.Lock()
	s.cooldowns[key] = at
	s.mu.Unlock()
	s.enqueue(req{kind: reqCooldown, cooldown: cooldownRow{Key: key, DiedAt: at}})
}

// PruneCooldowns forgets deaths older than before.
func (s *SQLiteIndex) PruneCooldowns(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	for k, at := range s.cooldowns {
		if at.Before(before) {
			delete(s.cooldowns, k)
		}
	}
	s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM respawn_cooldowns WHERE died_at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteIndex) LogTransition(ev replication.TransitionEvent) {
	s.enqueue(req{kind: reqTransition, transition: ev})
}

func (s *SQLiteIndex) LogLifecycle(ev replication.LifecycleEvent) {
	s.enqueue(req{kind: reqLifecycle, lifecycle: ev})
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:       snap.Header.Tick,
		Path:       path,
		PeerID:     snap.Header.PeerID,
		AtUnixMS:   snap.Header.AtUnixMS,
		Entities:   len(snap.Entities),
		Peers:      len(snap.Peers),
		Regions:    len(snap.LoadedRegions),
		Tombstones: snap.Tombstones,
	}})
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTransition, _ := s.db.Prepare(`INSERT INTO authority_transitions(at_ms,tick,peer,entity_id,entity_type,from_peer,to_peer,term,reason) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertLifecycle, _ := s.db.Prepare(`INSERT INTO lifecycle_events(at_ms,tick,peer,entity_id,entity_type,event,detail) VALUES(?,?,?,?,?,?,?)`)
	upsertCooldown, _ := s.db.Prepare(`INSERT OR REPLACE INTO respawn_cooldowns(key,died_at_ms) VALUES(?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,peer_id,at_ms,entities,peers,regions,tombstones) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTransition, insertLifecycle, upsertCooldown, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	apply := func(r req) {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			return
		}
		begin()
		if tx == nil {
			return
		}
		switch r.kind {
		case reqTransition:
			ev := r.transition
			exec(insertTransition, ev.At.UnixMilli(), int64(ev.Tick), ev.Peer, ev.EntityID, ev.EntityType, ev.From, ev.To, int64(ev.Term), ev.Reason)
		case reqLifecycle:
			ev := r.lifecycle
			exec(insertLifecycle, ev.At.UnixMilli(), int64(ev.Tick), ev.Peer, ev.EntityID, ev.EntityType, ev.Event, ev.Detail)
		case reqCooldown:
			exec(upsertCooldown, r.cooldown.Key, r.cooldown.DiedAt.UnixMilli())
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.PeerID, sn.AtUnixMS, sn.Entities, sn.Peers, sn.Regions, sn.Tombstones)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	// An open tx holds the only connection, so idle batches are committed
	// on a timer to keep readers moving.
	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			apply(r)
		case <-idle.C:
			commit()
		}
	}
}
