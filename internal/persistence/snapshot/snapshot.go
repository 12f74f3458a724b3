package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version  int    `json:"version"`
	PeerID   string `json:"peer_id"`
	Tick     uint64 `json:"tick"`
	AtUnixMS int64  `json:"at_unix_ms"`
	Entities int    `json:"entities"`
}

// SnapshotV1 is a point-in-time dump of one peer's registries. It is a
// debugging and inspection aid; peers never restore from it.
type SnapshotV1 struct {
	Header Header `json:"header"`

	ProtocolVersion string `json:"protocol_version"`
	StepHz          int    `json:"step_hz"`
	RegionSize      int    `json:"region_size"`

	LoadedRegions [][2]int   `json:"loaded_regions,omitempty"`
	Peers         []PeerV1   `json:"peers,omitempty"`
	Entities      []EntityV1 `json:"entities"`
	Tombstones    int        `json:"tombstones"`
	Pending       int        `json:"pending"`
}

type PeerV1 struct {
	ID         string     `json:"id"`
	Pos        [3]float64 `json:"pos"`
	HasPos     bool       `json:"has_pos"`
	Active     bool       `json:"active"`
	LastSeenMS int64      `json:"last_seen_ms,omitempty"`
}

type EntityV1 struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	AnchorID   string     `json:"anchor_id"`
	Anchor     [3]float64 `json:"anchor"`
	Generation uint32     `json:"generation"`
	Pos        [3]float64 `json:"pos"`
	Rot        float64    `json:"rot"`
	State      string     `json:"state"`
	HP         int        `json:"hp,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`

	AuthorityID   string `json:"authority_id"`
	AuthorityTerm uint64 `json:"authority_term"`
	SpawnedBy     string `json:"spawned_by"`
	Paused        bool   `json:"paused,omitempty"`

	Dead      bool   `json:"dead,omitempty"`
	KilledBy  string `json:"killed_by,omitempty"`
	DeathTick uint64 `json:"death_tick,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	snap.Header.Entities = len(snap.Entities)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The header line is repeated inside the gob body.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Path names a snapshot file by tick under dir.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%012d.snap.zst", tick))
}
